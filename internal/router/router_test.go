package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/backup"
	"github.com/Bshisia/community-hope/internal/config"
	"github.com/Bshisia/community-hope/internal/database"
	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/ledger/sqlstore"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/mpesa"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminPassword = "Harambee2026"

type testApp struct {
	engine    *gin.Engine
	store     ledger.Store
	donations *donation.Manager
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := &config.Config{
		Server:   config.ServerConfig{Mode: gin.TestMode},
		JWT:      config.JWTConfig{Secret: "test-secret", Issuer: "community-hope", ExpireHours: 1},
		Security: config.SecurityConfig{EncryptionKey: "test-key"},
		Mpesa:    config.MpesaConfig{Environment: mpesa.EnvDemo},
		App:      config.AppSubConfig{PageSize: 20},
	}

	db, err := database.Init(config.DatabaseConfig{Path: filepath.Join(dir, "app.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.AutoMigrate(db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sqlstore.New(db)
	donations := donation.NewManager(store, cfg.Security.EncryptionKey, donation.WithLogger(logger))
	accounts := account.NewService(db, bcrypt.MinCost)
	_, err = accounts.CreateAdmin(context.Background(), "admin@communityhope.com", adminPassword, "Admin")
	require.NoError(t, err)

	engine := SetupRouter(Deps{
		Config:    cfg,
		DB:        db,
		Store:     store,
		Donations: donations,
		Payments:  mpesa.NewClient(cfg.Mpesa, mpesa.WithLogger(logger)),
		Accounts:  accounts,
		Backups:   backup.NewService(db, store, backup.LocalSink{Dir: filepath.Join(dir, "backups")}, cfg.Security.EncryptionKey),
		Logger:    logger,
	})
	return &testApp{engine: engine, store: store, donations: donations}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (a *testApp) login(t *testing.T) string {
	t.Helper()
	w, out := a.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@communityhope.com", "password": adminPassword,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := out["data"].(map[string]any)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func data(out map[string]any) map[string]any {
	d, _ := out["data"].(map[string]any)
	return d
}

func callbackBody(token string, code int, receipt string, amount int64) map[string]any {
	cb := map[string]any{
		"MerchantRequestID": "m-1",
		"CheckoutRequestID": token,
		"ResultCode":        code,
		"ResultDesc":        "done",
	}
	if code == 0 {
		cb["CallbackMetadata"] = map[string]any{"Item": []map[string]any{
			{"Name": "Amount", "Value": amount},
			{"Name": "MpesaReceiptNumber", "Value": receipt},
			{"Name": "PhoneNumber", "Value": 254712345678},
		}}
	}
	return map[string]any{"Body": map[string]any{"stkCallback": cb}}
}

func TestDonationFlow_EndToEnd(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t)

	// admin creates a project
	w, out := app.do(t, http.MethodPost, "/api/projects", token, map[string]any{
		"name": "Clean Water Initiative", "description": "Wells", "target_amount": 100000, "category": "Health",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	projectID := uint(data(out)["project"].(map[string]any)["id"].(float64))

	// donor gives through M-Pesa; demo push attaches a token
	w, out = app.do(t, http.MethodPost, "/api/donations", "", map[string]any{
		"project_id": projectID, "amount": 2500, "payment_method": "mpesa", "phone_number": "0712345678",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	don := data(out)["donation"].(map[string]any)
	assert.Equal(t, "pending", don["status"])
	assert.Equal(t, "2547****5678", don["phone_number"])
	donationID := uint(don["id"].(float64))

	d, err := app.store.GetDonation(context.Background(), donationID)
	require.NoError(t, err)
	require.Contains(t, d.CorrelationToken, "ws_CO_")

	// provider confirms, twice
	for i := 0; i < 2; i++ {
		w, out = app.do(t, http.MethodPost, "/api/mpesa/callback", "", callbackBody(d.CorrelationToken, 0, "QK1", 2500))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 0, out["ResultCode"])
	}

	w, out = app.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d", projectID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2500, data(out)["project"].(map[string]any)["raised_amount"])

	w, out = app.do(t, http.MethodGet, fmt.Sprintf("/api/donations/%d", donationID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", data(out)["donation"].(map[string]any)["status"])
	assert.Equal(t, "QK1", data(out)["donation"].(map[string]any)["provider_reference"])

	w, out = app.do(t, http.MethodGet, fmt.Sprintf("/api/donations?project_id=%d", projectID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, data(out)["total"])

	w, out = app.do(t, http.MethodGet, "/api/admin/stats", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := data(out)["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["count"])
	assert.EqualValues(t, 2500, stats["total"])
}

func postRaw(app *testApp, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/callback", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	app.engine.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestCallback_AlwaysAcknowledges(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name string
		body string
		desc string
	}{
		{"malformed", `{"Body":`, "Callback received"},
		{"missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`, "Callback received"},
		{"unknown token", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_nope","ResultCode":1032,"ResultDesc":"cancelled"}}}`, "Callback received successfully"},
		{"placeholder", `{"Body":{"stkCallback":{"CheckoutRequestID":"pending-abc","ResultCode":1,"ResultDesc":"x"}}}`, "Callback received successfully"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := postRaw(app, tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.EqualValues(t, 0, out["ResultCode"])
			assert.Equal(t, tt.desc, out["ResultDesc"])
		})
	}
}

func TestCallback_SuccessWithoutReceiptLeavesDonationPending(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	p := &models.Project{Name: "Clinic", Description: "d", TargetAmount: 1000, Category: "Health"}
	require.NoError(t, app.store.CreateProject(ctx, p))

	w, out := app.do(t, http.MethodPost, "/api/donations", "", map[string]any{
		"project_id": p.ID, "amount": 400, "payment_method": "mpesa", "phone_number": "0712345678",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := uint(data(out)["donation"].(map[string]any)["id"].(float64))
	d, err := app.store.GetDonation(ctx, id)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"ok"}}}`, d.CorrelationToken)
	w, out = postRaw(app, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, out["ResultCode"])
	assert.Equal(t, "Callback received", out["ResultDesc"])

	d, err = app.store.GetDonation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DonationPending, d.Status)
	assert.Zero(t, d.Project.RaisedAmount)
}

func TestSTKPush_SecondPushRejected(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	p := &models.Project{Name: "Library", Description: "d", TargetAmount: 1000, Category: "Education"}
	require.NoError(t, app.store.CreateProject(ctx, p))

	w, out := app.do(t, http.MethodPost, "/api/donations", "", map[string]any{
		"project_id": p.ID, "amount": 650, "payment_method": "mpesa", "phone_number": "254712345678",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := uint(data(out)["donation"].(map[string]any)["id"].(float64))
	first, err := app.store.GetDonation(ctx, id)
	require.NoError(t, err)

	w, _ = app.do(t, http.MethodPost, "/api/mpesa/stk-push", "", map[string]any{"donation_id": id})
	assert.Equal(t, http.StatusConflict, w.Code)

	// the first prompt is still the one that settles the donation
	w, _ = app.do(t, http.MethodPost, "/api/mpesa/callback", "", callbackBody(first.CorrelationToken, 0, "QK7", 650))
	require.Equal(t, http.StatusOK, w.Code)

	got, err := app.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 650, got.RaisedAmount)
}

func TestSTKPush_AfterFailedPush(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	p := &models.Project{Name: "Seeds", Description: "d", TargetAmount: 1000, Category: "Environment"}
	require.NoError(t, app.store.CreateProject(ctx, p))

	// created without a push, as when the first STK push failed
	d, err := app.donations.Create(ctx, donation.CreateInput{
		ProjectID: p.ID, Amount: 120, PaymentMethod: models.PaymentMpesa, PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	w, out := app.do(t, http.MethodPost, "/api/mpesa/stk-push", "", map[string]any{"donation_id": d.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pending", data(out)["donation"].(map[string]any)["status"])

	got, err := app.store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Contains(t, got.CorrelationToken, "ws_CO_")
}

func TestCallback_FailureMarksDonationFailed(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	p := &models.Project{Name: "Trees", Description: "d", TargetAmount: 1000, Category: "Environment"}
	require.NoError(t, app.store.CreateProject(ctx, p))

	w, out := app.do(t, http.MethodPost, "/api/donations", "", map[string]any{
		"project_id": p.ID, "amount": 300, "payment_method": "mpesa", "phone_number": "254712345678",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := uint(data(out)["donation"].(map[string]any)["id"].(float64))
	d, err := app.store.GetDonation(ctx, id)
	require.NoError(t, err)

	w, _ = app.do(t, http.MethodPost, "/api/mpesa/callback", "", callbackBody(d.CorrelationToken, 1032, "", 0))
	assert.Equal(t, http.StatusOK, w.Code)

	d, err = app.store.GetDonation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DonationFailed, d.Status)
	assert.Zero(t, d.Project.RaisedAmount)

	// a late success for the same token does not revive it
	w, _ = app.do(t, http.MethodPost, "/api/mpesa/callback", "", callbackBody(d.CorrelationToken, 0, "QK9", 300))
	assert.Equal(t, http.StatusOK, w.Code)
	got, err := app.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RaisedAmount)

	// and the push cannot be restarted
	w, _ = app.do(t, http.MethodPost, "/api/mpesa/stk-push", "", map[string]any{"donation_id": id})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateDonation_Validation(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	p := &models.Project{Name: "School", Description: "d", TargetAmount: 1000, Category: "Education"}
	require.NoError(t, app.store.CreateProject(ctx, p))

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"amount too large", map[string]any{"project_id": p.ID, "amount": 150001, "payment_method": "card"}, http.StatusBadRequest},
		{"amount zero", map[string]any{"project_id": p.ID, "amount": 0, "payment_method": "card"}, http.StatusBadRequest},
		{"mpesa without phone", map[string]any{"project_id": p.ID, "amount": 10, "payment_method": "mpesa"}, http.StatusBadRequest},
		{"unknown method", map[string]any{"project_id": p.ID, "amount": 10, "payment_method": "cash"}, http.StatusBadRequest},
		{"unknown project", map[string]any{"project_id": 999, "amount": 10, "payment_method": "card"}, http.StatusNotFound},
		{"card ok", map[string]any{"project_id": p.ID, "amount": 10, "payment_method": "card"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := app.do(t, http.MethodPost, "/api/donations", "", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	got, err := app.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RaisedAmount)
}

func TestProjects_ListAndStatus(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t)
	ctx := context.Background()

	for _, p := range []*models.Project{
		{Name: "A", Description: "a", TargetAmount: 10, Category: "Health"},
		{Name: "B", Description: "b", TargetAmount: 10, Category: "Education"},
	} {
		require.NoError(t, app.store.CreateProject(ctx, p))
	}

	w, out := app.do(t, http.MethodGet, "/api/projects?category=health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, data(out)["total"])

	w, _ = app.do(t, http.MethodPut, "/api/projects/1/status", "", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = app.do(t, http.MethodPut, "/api/projects/1/status", token, map[string]string{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = app.do(t, http.MethodPut, "/api/projects/1/status", token, map[string]string{"status": "paused"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", data(out)["project"].(map[string]any)["status"])

	// default listing shows active projects only
	w, out = app.do(t, http.MethodGet, "/api/projects", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, data(out)["total"])

	w, out = app.do(t, http.MethodGet, "/api/projects?status=all", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, data(out)["total"])

	w, _ = app.do(t, http.MethodGet, "/api/projects/42", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuth_LogoutRevokesToken(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t)

	w, out := app.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin@communityhope.com", data(out)["admin"].(map[string]any)["email"])

	w, _ = app.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = app.do(t, http.MethodGet, "/api/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = app.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@communityhope.com", "password": "Wrong-pass1",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_AuditLogsAndBackups(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t)

	w, out := app.do(t, http.MethodPost, "/api/admin/backups", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	backupID := uint(data(out)["backup"].(map[string]any)["id"].(float64))

	w, _ = app.do(t, http.MethodGet, fmt.Sprintf("/api/admin/backups/%d/download", backupID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	snap, err := backup.Decode("test-key", w.Body.Bytes())
	require.NoError(t, err)
	assert.Empty(t, snap.Projects)

	w, _ = app.do(t, http.MethodGet, "/api/admin/export/csv", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Amount (KES)")

	w, _ = app.do(t, http.MethodGet, "/api/admin/export/xlsx", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotZero(t, w.Body.Len())

	w, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/backups/%d", backupID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, out = app.do(t, http.MethodGet, "/api/admin/logs", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := data(out)["items"].([]any)
	require.NotEmpty(t, items)
	// newest first; paths come back decrypted
	first := items[0].(map[string]any)
	assert.Equal(t, "/api/admin/backups/1", first["path"])
	assert.Equal(t, http.MethodDelete, first["method"])
}
