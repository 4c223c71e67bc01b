package donation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bshisia/community-hope/internal/config"
	"github.com/Bshisia/community-hope/internal/database"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/ledger/sqlstore"
	"github.com/Bshisia/community-hope/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testKey = "test-encryption-key"

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := database.Init(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.AutoMigrate(db))
	return sqlstore.New(db)
}

func newTestProject(t *testing.T, store ledger.Store) *models.Project {
	t.Helper()
	p := &models.Project{
		Name:         "Clean Water Initiative",
		Description:  "Wells and purification for rural communities.",
		TargetAmount: 1000000,
		Category:     "Health",
	}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func mpesaInput(projectID uint, amount int64) CreateInput {
	return CreateInput{
		ProjectID:     projectID,
		Amount:        amount,
		PaymentMethod: models.PaymentMpesa,
		PhoneNumber:   "254712345678",
	}
}

func raised(t *testing.T, store ledger.Store, id uint) int64 {
	t.Helper()
	p, err := store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p.RaisedAmount
}

func TestCreate_Pending(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)

	d, err := m.Create(context.Background(), CreateInput{
		ProjectID:     p.ID,
		Amount:        5000,
		PaymentMethod: models.PaymentMpesa,
		PhoneNumber:   "0712 345 678",
		Message:       "  Keep it up  ",
	})
	require.NoError(t, err)

	assert.NotZero(t, d.ID)
	assert.Equal(t, models.DonationPending, d.Status)
	assert.True(t, strings.HasPrefix(d.CorrelationToken, PlaceholderPrefix))
	assert.Empty(t, d.ProviderReference)
	assert.Equal(t, "Keep it up", d.Message)
	assert.NotEqual(t, "254712345678", d.PhoneEnc, "phone is encrypted at rest")
	assert.Equal(t, "254712345678", m.Phone(d))
	assert.Zero(t, raised(t, store, p.ID))
}

func TestCreate_PlaceholdersAreUnique(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)

	a, err := m.Create(context.Background(), CreateInput{ProjectID: p.ID, Amount: 10, PaymentMethod: models.PaymentCard})
	require.NoError(t, err)
	b, err := m.Create(context.Background(), CreateInput{ProjectID: p.ID, Amount: 10, PaymentMethod: models.PaymentCard})
	require.NoError(t, err)
	assert.NotEqual(t, a.CorrelationToken, b.CorrelationToken)
}

func TestCreate_Validation(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)

	cases := map[string]CreateInput{
		"no project":     {Amount: 10, PaymentMethod: models.PaymentCard},
		"zero amount":    {ProjectID: p.ID, Amount: 0, PaymentMethod: models.PaymentCard},
		"too large":      {ProjectID: p.ID, Amount: 150001, PaymentMethod: models.PaymentCard},
		"missing phone":  {ProjectID: p.ID, Amount: 10, PaymentMethod: models.PaymentMpesa},
		"bad phone":      {ProjectID: p.ID, Amount: 10, PaymentMethod: models.PaymentMpesa, PhoneNumber: "12345"},
		"unknown method": {ProjectID: p.ID, Amount: 10, PaymentMethod: "paypal"},
		"long message":   {ProjectID: p.ID, Amount: 10, PaymentMethod: models.PaymentCard, Message: strings.Repeat("a", 501)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}

	list, err := store.ListDonations(context.Background(), ledger.DonationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected input is never persisted")
}

func TestCreate_UnknownProject(t *testing.T) {
	m := NewManager(newTestStore(t), testKey)

	_, err := m.Create(context.Background(), mpesaInput(42, 100))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAttachCorrelationToken(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d1, err := m.Create(ctx, mpesaInput(p.ID, 100))
	require.NoError(t, err)
	d2, err := m.Create(ctx, mpesaInput(p.ID, 200))
	require.NoError(t, err)

	got, err := m.AttachCorrelationToken(ctx, d1.ID, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", got.CorrelationToken)

	// 同一个 token 重复 attach 没有副作用
	got, err = m.AttachCorrelationToken(ctx, d1.ID, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", got.CorrelationToken)

	_, err = m.AttachCorrelationToken(ctx, d2.ID, "ws_CO_1")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	_, err = m.AttachCorrelationToken(ctx, 9999, "ws_CO_9")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = m.AttachCorrelationToken(ctx, d2.ID, "")
	assert.True(t, IsValidation(err))
	_, err = m.AttachCorrelationToken(ctx, d2.ID, PlaceholderPrefix+"x")
	assert.True(t, IsValidation(err))
}

func TestAttachCorrelationToken_SecondPushKeepsFirstToken(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 700))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_first")
	require.NoError(t, err)

	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_second")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// the donor approved the first prompt
	res, err := m.Reconcile(ctx, Notification{Token: "ws_CO_first", Outcome: OutcomeSuccess, Receipt: "MPR1", ReportedAmount: 700})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	res, err = m.Reconcile(ctx, Notification{Token: "ws_CO_second", Outcome: OutcomeSuccess, Receipt: "MPR2"})
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 700, got.RaisedAmount)
}

func TestAttachCorrelationToken_TerminalDonation(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 100))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_done")
	require.NoError(t, err)
	_, err = m.Reconcile(ctx, Notification{Token: "ws_CO_done", Outcome: OutcomeFailure})
	require.NoError(t, err)

	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_again")
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestReconcile_Scenario(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()
	before := raised(t, store, p.ID)

	d, err := m.Create(ctx, mpesaInput(p.ID, 5000))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_1")
	require.NoError(t, err)

	res, err := m.Reconcile(ctx, Notification{Token: "ws_CO_1", Outcome: OutcomeSuccess, Receipt: "MPR001"})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	got, err := store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationCompleted, got.Status)
	assert.Equal(t, "MPR001", got.ProviderReference)
	assert.Equal(t, before+5000, raised(t, store, p.ID))
}

func TestReconcile_Idempotent(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 750))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_retry")
	require.NoError(t, err)

	n := Notification{Token: "ws_CO_retry", Outcome: OutcomeSuccess, Receipt: "R1"}
	first, err := m.Reconcile(ctx, n)
	require.NoError(t, err)
	second, err := m.Reconcile(ctx, n)
	require.NoError(t, err)

	assert.Equal(t, Applied, first)
	assert.Equal(t, AlreadyProcessed, second)
	assert.Equal(t, int64(750), raised(t, store, p.ID))

	// 成功后再收到失败回调也不能改状态
	third, err := m.Reconcile(ctx, Notification{Token: "ws_CO_retry", Outcome: OutcomeFailure})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, third)
	got, err := store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationCompleted, got.Status)
}

func TestReconcile_ConcurrentSameToken(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 5000))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_race")
	require.NoError(t, err)

	const n = 16
	var (
		mu      sync.Mutex
		results = map[Result]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := m.Reconcile(gctx, Notification{Token: "ws_CO_race", Outcome: OutcomeSuccess, Receipt: "MPR-RACE"})
			if err != nil {
				return err
			}
			mu.Lock()
			results[res]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, results[Applied])
	assert.Equal(t, n-1, results[AlreadyProcessed])
	assert.Equal(t, int64(5000), raised(t, store, p.ID))
}

func TestReconcile_ConcurrentSameProject(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	const k = 20
	var want int64
	for i := 0; i < k; i++ {
		amount := int64(100 + i)
		want += amount
		d, err := m.Create(ctx, mpesaInput(p.ID, amount))
		require.NoError(t, err)
		_, err = m.AttachCorrelationToken(ctx, d.ID, fmt.Sprintf("ws_CO_%d", i))
		require.NoError(t, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := k - 1; i >= 0; i-- {
		token := fmt.Sprintf("ws_CO_%d", i)
		g.Go(func() error {
			res, err := m.Reconcile(gctx, Notification{Token: token, Outcome: OutcomeSuccess, Receipt: "R-" + token})
			if err != nil {
				return err
			}
			if res != Applied {
				return fmt.Errorf("%s: got %s", token, res)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, want, raised(t, store, p.ID))

	completed, err := store.ListDonations(ctx, ledger.DonationFilter{ProjectID: p.ID, Status: models.DonationCompleted})
	require.NoError(t, err)
	var sum int64
	for _, d := range completed {
		sum += d.Amount
	}
	assert.Equal(t, sum, raised(t, store, p.ID))
}

func TestReconcile_Unmatched(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 100))
	require.NoError(t, err)

	res, err := m.Reconcile(ctx, Notification{Token: "unknown-token", Outcome: OutcomeSuccess, Receipt: "R1"})
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res)

	// 占位 token 不能被回调命中
	res, err = m.Reconcile(ctx, Notification{Token: d.CorrelationToken, Outcome: OutcomeSuccess, Receipt: "R1"})
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res)

	got, err := store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationPending, got.Status)
	assert.Zero(t, raised(t, store, p.ID))
}

func TestReconcile_Failure(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 5000))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_fail")
	require.NoError(t, err)

	res, err := m.Reconcile(ctx, Notification{Token: "ws_CO_fail", Outcome: OutcomeFailure, Description: "Request cancelled by user"})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	got, err := store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationFailed, got.Status)
	assert.Empty(t, got.ProviderReference)
	assert.Zero(t, raised(t, store, p.ID))
}

func TestReconcile_ReportedAmountIgnored(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 10))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_forged")
	require.NoError(t, err)

	res, err := m.Reconcile(ctx, Notification{Token: "ws_CO_forged", Outcome: OutcomeSuccess, Receipt: "R9", ReportedAmount: 150000})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	assert.Equal(t, int64(10), raised(t, store, p.ID))
}

func TestReconcile_SuccessNeedsReceipt(t *testing.T) {
	store := newTestStore(t)
	p := newTestProject(t, store)
	m := NewManager(store, testKey)
	ctx := context.Background()

	d, err := m.Create(ctx, mpesaInput(p.ID, 10))
	require.NoError(t, err)
	_, err = m.AttachCorrelationToken(ctx, d.ID, "ws_CO_norcpt")
	require.NoError(t, err)

	_, err = m.Reconcile(ctx, Notification{Token: "ws_CO_norcpt", Outcome: OutcomeSuccess})
	assert.True(t, IsValidation(err))

	_, err = m.Reconcile(ctx, Notification{Token: "ws_CO_norcpt", Outcome: "maybe"})
	assert.True(t, IsValidation(err))

	got, err := store.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationPending, got.Status)
}

// faultyStore fails every lookup, standing in for an unavailable database.
type faultyStore struct {
	ledger.Store
}

func (faultyStore) FindDonationByToken(context.Context, string) (*models.Donation, error) {
	return nil, errors.New("database is locked")
}

func (faultyStore) CreateDonation(context.Context, *models.Donation) error {
	return errors.New("disk I/O error")
}

func TestStoreFaults(t *testing.T) {
	m := NewManager(faultyStore{}, testKey, WithClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := m.Reconcile(context.Background(), Notification{Token: "ws_CO_1", Outcome: OutcomeSuccess, Receipt: "R"})
	assert.ErrorIs(t, err, ErrStoreFault)

	_, err = m.Create(context.Background(), mpesaInput(1, 100))
	assert.ErrorIs(t, err, ErrStoreFault)
}
