// Package sqlstore is the gorm/SQLite implementation of ledger.Store.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"

	"gorm.io/gorm"
)

// Store keeps projects and donations in the application database.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// New wraps an already migrated gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id uint) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrap("get project", err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, f ledger.ProjectFilter) ([]models.Project, error) {
	q := s.db.WithContext(ctx).Model(&models.Project{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("LOWER(category) = ?", strings.ToLower(f.Category))
	}

	var list []models.Project
	if err := q.Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return list, nil
}

func (s *Store) SetProjectStatus(ctx context.Context, id uint, status models.ProjectStatus) (*models.Project, error) {
	var p models.Project
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Project{}).Where("id = ?", id).
			Updates(map[string]any{"status": status, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrNotFound
		}
		return tx.First(&p, id).Error
	})
	if err != nil {
		return nil, wrap("set project status", err)
	}
	return &p, nil
}

func (s *Store) CreateDonation(ctx context.Context, d *models.Donation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Project{}).Where("id = ?", d.ProjectID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrNotFound
		}
		return tx.Omit("Project").Create(d).Error
	})
	if err != nil {
		return wrap("create donation", err)
	}
	return nil
}

func (s *Store) GetDonation(ctx context.Context, id uint) (*models.Donation, error) {
	var d models.Donation
	if err := s.db.WithContext(ctx).Preload("Project").First(&d, id).Error; err != nil {
		return nil, wrap("get donation", err)
	}
	return &d, nil
}

func (s *Store) ListDonations(ctx context.Context, f ledger.DonationFilter) ([]models.Donation, error) {
	q := s.db.WithContext(ctx).Model(&models.Donation{}).Preload("Project")
	if f.ProjectID != 0 {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}

	var list []models.Donation
	if err := q.Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}
	return list, nil
}

func (s *Store) FindDonationByToken(ctx context.Context, token string) (*models.Donation, error) {
	var d models.Donation
	if err := s.db.WithContext(ctx).Where("correlation_token = ?", token).First(&d).Error; err != nil {
		return nil, wrap("find donation by token", err)
	}
	return &d, nil
}

func (s *Store) AttachToken(ctx context.Context, donationID uint, token string, at time.Time) (*models.Donation, error) {
	var d models.Donation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&d, donationID).Error; err != nil {
			return err
		}
		if d.Status.Terminal() {
			return fmt.Errorf("donation %d is %s: %w", d.ID, d.Status, ledger.ErrConflict)
		}
		if d.CorrelationToken == token {
			return nil
		}
		// 已经发起过支付的捐款不能换 token，否则第一次支付的回调会找不到捐款
		if ledger.HasProviderToken(&d) {
			return fmt.Errorf("donation %d already has a provider token: %w", d.ID, ledger.ErrConflict)
		}

		var taken int64
		if err := tx.Model(&models.Donation{}).
			Where("correlation_token = ? AND id <> ?", token, donationID).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("token %q: %w", token, ledger.ErrConflict)
		}

		res := tx.Model(&models.Donation{}).
			Where("id = ? AND status = ? AND correlation_token = ?", donationID, models.DonationPending, d.CorrelationToken).
			Updates(map[string]any{"correlation_token": token, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrConflict
		}
		d.CorrelationToken = token
		d.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, wrap("attach token", err)
	}
	return &d, nil
}

// Transition applies the status change and the aggregate increment in one
// transaction. The status guard in the UPDATE is the compare-and-swap: of two
// racing callers only one sees RowsAffected == 1.
func (s *Store) Transition(ctx context.Context, t ledger.Transition) (*models.Donation, error) {
	if !t.To.Terminal() {
		return nil, fmt.Errorf("transition to %q: only terminal states are allowed", t.To)
	}

	var d models.Donation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": t.To, "updated_at": t.At}
		if t.ProviderReference != "" {
			updates["provider_reference"] = t.ProviderReference
		}
		res := tx.Model(&models.Donation{}).
			Where("id = ? AND status = ?", t.DonationID, models.DonationPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.First(&d, t.DonationID).Error; err != nil {
				return err
			}
			return ledger.ErrNotPending
		}

		if err := tx.First(&d, t.DonationID).Error; err != nil {
			return err
		}
		if t.To != models.DonationCompleted {
			return nil
		}

		// 原子累加，不做 read-modify-write
		res = tx.Model(&models.Project{}).Where("id = ?", d.ProjectID).
			Updates(map[string]any{
				"raised_amount": gorm.Expr("raised_amount + ?", d.Amount),
				"updated_at":    t.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("project %d: %w", d.ProjectID, ledger.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("transition donation", err)
	}
	return &d, nil
}

func (s *Store) Stats(ctx context.Context, monthStart time.Time) (ledger.Stats, error) {
	var row struct {
		Count   int64
		Total   int64
		Average float64
	}
	err := s.db.WithContext(ctx).Model(&models.Donation{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total, COALESCE(AVG(amount), 0) AS average").
		Where("status = ?", models.DonationCompleted).
		Scan(&row).Error
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("stats: %w", err)
	}

	var thisMonth int64
	err = s.db.WithContext(ctx).Model(&models.Donation{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ? AND created_at >= ?", models.DonationCompleted, monthStart).
		Scan(&thisMonth).Error
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("stats this month: %w", err)
	}

	return ledger.Stats{
		Count:     row.Count,
		Total:     row.Total,
		Average:   row.Average,
		ThisMonth: thisMonth,
	}, nil
}

// wrap maps gorm errors onto the ledger sentinels.
func wrap(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s: %w", op, ledger.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, ledger.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
