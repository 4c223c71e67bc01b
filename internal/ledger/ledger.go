// Package ledger defines the durable record of projects and donations.
//
// A Store owns one invariant: a project's RaisedAmount equals the sum of the
// amounts of its completed donations. Every implementation keeps it by
// applying the donation status change and the aggregate increment in one
// atomic unit, guarded by a compare-and-swap on the donation's status.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Bshisia/community-hope/internal/models"
)

var (
	// ErrNotFound is returned when a project or donation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a correlation token is already taken, or a
	// token is attached to a donation that is no longer pending or already
	// carries a provider token.
	ErrConflict = errors.New("conflict")
	// ErrNotPending is returned by Transition when the donation already left pending.
	ErrNotPending = errors.New("donation is not pending")
)

// PlaceholderPrefix marks the token a donation is created with. Only a
// placeholder may be replaced by a provider token, so every token a provider
// was ever given keeps resolving to its donation.
const PlaceholderPrefix = "pending-"

// HasProviderToken reports whether d already received a provider token.
func HasProviderToken(d *models.Donation) bool {
	return d.CorrelationToken != "" && !strings.HasPrefix(d.CorrelationToken, PlaceholderPrefix)
}

// Transition moves one pending donation into a terminal status.
// When To is completed the owning project's aggregate grows by the amount
// stored on the donation, never by anything the caller supplies.
type Transition struct {
	DonationID        uint
	To                models.DonationStatus
	ProviderReference string
	At                time.Time
}

// ProjectFilter narrows ListProjects. Empty fields match everything.
type ProjectFilter struct {
	Status   models.ProjectStatus
	Category string // case-insensitive
}

// DonationFilter narrows ListDonations. Empty fields match everything.
type DonationFilter struct {
	ProjectID uint
	Status    models.DonationStatus
	Since     time.Time
	Until     time.Time
}

// Stats summarizes completed donations.
type Stats struct {
	Count     int64   `json:"count"`
	Total     int64   `json:"total"`
	Average   float64 `json:"average"`
	ThisMonth int64   `json:"this_month"`
}

// Store is the ledger used by the donation lifecycle manager and the HTTP layer.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uint) (*models.Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]models.Project, error)
	SetProjectStatus(ctx context.Context, id uint, status models.ProjectStatus) (*models.Project, error)

	// CreateDonation inserts d; the referenced project must exist.
	CreateDonation(ctx context.Context, d *models.Donation) error
	GetDonation(ctx context.Context, id uint) (*models.Donation, error)
	// ListDonations returns newest first with Project populated.
	ListDonations(ctx context.Context, f DonationFilter) ([]models.Donation, error)
	FindDonationByToken(ctx context.Context, token string) (*models.Donation, error)
	AttachToken(ctx context.Context, donationID uint, token string, at time.Time) (*models.Donation, error)
	Transition(ctx context.Context, t Transition) (*models.Donation, error)

	// Stats covers completed donations; ThisMonth starts at monthStart.
	Stats(ctx context.Context, monthStart time.Time) (Stats, error)
}

// MonthStart returns midnight of the first day of t's month in t's location.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
