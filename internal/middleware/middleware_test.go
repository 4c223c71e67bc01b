package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/config"
	"github.com/Bshisia/community-hope/internal/database"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const auditKey = "audit-key"

type fixture struct {
	db       *gorm.DB
	accounts *account.Service
	engine   *gin.Engine
	token    string
	session  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Init(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "mw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.AutoMigrate(db))

	ctx := context.Background()
	accounts := account.NewService(db, bcrypt.MinCost)
	admin, err := accounts.CreateAdmin(ctx, "ops@communityhope.com", "Harambee2026", "Ops")
	require.NoError(t, err)
	sess, err := accounts.StartSession(ctx, admin.ID, time.Hour)
	require.NoError(t, err)

	tokens := util.NewTokenIssuer("mw-secret", "community-hope", time.Hour)
	token, _, err := tokens.Issue(admin.ID, sess.ID)
	require.NoError(t, err)

	engine := gin.New()
	g := engine.Group("", AuthMiddleware(tokens, accounts),
		AuditMiddleware(db, auditKey, slog.New(slog.NewTextHandler(io.Discard, nil))))
	ok := func(c *gin.Context) {
		admin := c.MustGet(CurrentAdminKey).(*models.Admin)
		c.JSON(http.StatusOK, gin.H{"email": admin.Email, "session": c.GetString(SessionIDKey)})
	}
	g.GET("/me", ok)
	g.POST("/projects", ok)
	g.POST("/profile/password", ok)

	return &fixture{db: db, accounts: accounts, engine: engine, token: token, session: sess.ID}
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_TokenSources(t *testing.T) {
	f := newFixture(t)

	header := httptest.NewRequest(http.MethodGet, "/me", nil)
	header.Header.Set("Authorization", "Bearer "+f.token)

	query := httptest.NewRequest(http.MethodGet, "/me?token="+f.token, nil)

	cookie := httptest.NewRequest(http.MethodGet, "/me", nil)
	cookie.AddCookie(&http.Cookie{Name: TokenCookie, Value: f.token})

	for name, req := range map[string]*http.Request{"header": header, "query": query, "cookie": cookie} {
		t.Run(name, func(t *testing.T) {
			w := f.serve(req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), f.session)
		})
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	f := newFixture(t)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, f.serve(req).Code)

	require.NoError(t, f.accounts.RevokeSession(context.Background(), f.session))
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	w = f.serve(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session expired")

	// rejected requests are not audited
	var n int64
	require.NoError(t, f.db.Model(&models.AuditLog{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestAuditMiddleware_EncryptsAndRedacts(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/projects", "/profile/password"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"secret":"Harambee2026"}`))
		req.Header.Set("Authorization", "Bearer "+f.token)
		require.Equal(t, http.StatusOK, f.serve(req).Code)
	}

	var logs []models.AuditLog
	require.NoError(t, f.db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)

	for _, l := range logs {
		assert.NotContains(t, l.PathEnc, "projects")
		assert.NotContains(t, l.ActionEnc, "Harambee2026")
		require.NotNil(t, l.AdminID)
	}

	assert.Equal(t, "/projects", util.DecryptField(auditKey, logs[0].PathEnc))
	assert.Contains(t, util.DecryptField(auditKey, logs[0].ActionEnc), "Harambee2026")
	assert.Equal(t, "POST /profile/password", util.DecryptField(auditKey, logs[1].ActionEnc))
}
