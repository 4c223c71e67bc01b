// Package donation manages the lifecycle of a donation: creation as pending,
// attaching the payment provider's correlation token, and reconciling the
// provider's asynchronous callback exactly once.
package donation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks tokens assigned at creation time, before the
// provider has issued a real one. They never match a callback.
const PlaceholderPrefix = ledger.PlaceholderPrefix

// CreateInput is what a donor submits.
type CreateInput struct {
	ProjectID     uint
	Amount        int64
	PaymentMethod string
	PhoneNumber   string
	Message       string
}

// Manager is the donation lifecycle manager.
type Manager struct {
	store      ledger.Store
	encryptKey string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. encryptKey protects donor phone numbers at rest.
func NewManager(store ledger.Store, encryptKey string, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		encryptKey: encryptKey,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates the input and records a pending donation with a unique
// placeholder token. The project aggregate is not touched.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Donation, error) {
	if in.ProjectID == 0 {
		return nil, invalid("project_id", "is required")
	}
	if err := util.ValidateAmount(in.Amount); err != nil {
		return nil, invalid("amount", err.Error())
	}

	var phone string
	switch in.PaymentMethod {
	case models.PaymentMpesa:
		formatted, err := util.ValidatePhoneNumber(in.PhoneNumber)
		if err != nil {
			return nil, invalid("phone_number", err.Error())
		}
		phone = formatted
	case models.PaymentCard:
		// card donations carry no phone
	default:
		return nil, invalid("payment_method", "must be mpesa or card")
	}

	message := strings.TrimSpace(in.Message)
	if len(message) > 500 {
		return nil, invalid("message", "must be at most 500 characters")
	}

	phoneEnc, err := util.EncryptField(m.encryptKey, phone)
	if err != nil {
		return nil, storeFault("encrypt phone", err)
	}

	d := &models.Donation{
		ProjectID:        in.ProjectID,
		Amount:           in.Amount,
		PaymentMethod:    in.PaymentMethod,
		PhoneEnc:         phoneEnc,
		CorrelationToken: PlaceholderPrefix + uuid.NewString(),
		Status:           models.DonationPending,
		Message:          message,
	}
	if err := m.store.CreateDonation(ctx, d); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		return nil, storeFault("create donation", err)
	}

	m.logger.Info("donation created",
		"donation_id", d.ID,
		"project_id", d.ProjectID,
		"amount", d.Amount,
		"method", d.PaymentMethod,
	)
	return d, nil
}

// AttachCorrelationToken records the provider token for a pending donation.
// Returns ledger.ErrNotFound for an unknown donation and ledger.ErrConflict
// when the token belongs to another donation or the donation already has a
// different provider token. Attaching the same token again is a no-op.
func (m *Manager) AttachCorrelationToken(ctx context.Context, donationID uint, token string) (*models.Donation, error) {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, PlaceholderPrefix) {
		return nil, invalid("token", "must be a provider issued token")
	}

	d, err := m.store.AttachToken(ctx, donationID, token, m.now())
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrConflict) {
			return nil, err
		}
		return nil, storeFault("attach token", err)
	}

	m.logger.Info("correlation token attached", "donation_id", d.ID, "token", token)
	return d, nil
}

// Reconcile applies a provider callback to the donation it refers to.
//
// Unknown tokens yield Unmatched and terminal donations yield AlreadyProcessed;
// neither is an error. A pending donation is transitioned through the store's
// atomic primitive, so a retried or concurrent delivery of the same callback
// can apply at most once. The only errors returned are ValidationError for a
// malformed notification and ErrStoreFault.
func (m *Manager) Reconcile(ctx context.Context, n Notification) (Result, error) {
	log := m.logger.With("token", n.Token, "outcome", string(n.Outcome))

	switch n.Outcome {
	case OutcomeSuccess, OutcomeFailure:
	default:
		return "", invalid("outcome", "must be success or failure")
	}

	if n.Token == "" || strings.HasPrefix(n.Token, PlaceholderPrefix) {
		log.Warn("callback token matches no donation")
		return Unmatched, nil
	}

	d, err := m.store.FindDonationByToken(ctx, n.Token)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("callback token matches no donation")
		return Unmatched, nil
	}
	if err != nil {
		return "", storeFault("find donation by token", err)
	}
	log = log.With("donation_id", d.ID, "project_id", d.ProjectID)

	if d.Status.Terminal() {
		log.Info("callback for finished donation ignored", "status", string(d.Status))
		return AlreadyProcessed, nil
	}

	if n.ReportedAmount != 0 && n.ReportedAmount != d.Amount {
		// the stored amount wins; the callback figure is only logged
		log.Warn("callback amount differs from donation",
			"reported_amount", n.ReportedAmount,
			"amount", d.Amount,
		)
	}

	t := ledger.Transition{DonationID: d.ID, To: models.DonationFailed, At: m.now()}
	if n.Outcome == OutcomeSuccess {
		receipt := strings.TrimSpace(n.Receipt)
		if receipt == "" {
			return "", invalid("receipt", "is required for a successful payment")
		}
		t.To = models.DonationCompleted
		t.ProviderReference = receipt
	}

	if _, err := m.store.Transition(ctx, t); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			log.Info("callback lost the race to a concurrent delivery")
			return AlreadyProcessed, nil
		}
		return "", storeFault("transition donation", err)
	}

	log.Info("donation reconciled",
		"status", string(t.To),
		"amount", d.Amount,
		"receipt", t.ProviderReference,
		"description", n.Description,
	)
	return Applied, nil
}

// Phone returns the donor's phone number in clear text.
func (m *Manager) Phone(d *models.Donation) string {
	return util.DecryptField(m.encryptKey, d.PhoneEnc)
}
