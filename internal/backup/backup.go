// Package backup writes encrypted snapshots of the ledger to a Sink and keeps
// an index of them in the database.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Snapshot is the plaintext content of a backup blob.
// Donor phone numbers stay in their encrypted form.
type Snapshot struct {
	Created   time.Time         `json:"created"`
	Projects  []models.Project  `json:"projects"`
	Donations []models.Donation `json:"donations"`
}

// Service creates, lists and removes backups.
type Service struct {
	db         *gorm.DB
	store      ledger.Store
	sink       Sink
	encryptKey string
	now        func() time.Time
}

// NewService wires a Service. db holds the backup index; store is the ledger.
func NewService(db *gorm.DB, store ledger.Store, sink Sink, encryptKey string) *Service {
	return &Service{db: db, store: store, sink: sink, encryptKey: encryptKey, now: time.Now}
}

// Create snapshots the ledger, encrypts it and writes it to the sink.
func (s *Service) Create(ctx context.Context, adminID uint) (*models.Backup, error) {
	projects, err := s.store.ListProjects(ctx, ledger.ProjectFilter{})
	if err != nil {
		return nil, fmt.Errorf("snapshot projects: %w", err)
	}
	donations, err := s.store.ListDonations(ctx, ledger.DonationFilter{})
	if err != nil {
		return nil, fmt.Errorf("snapshot donations: %w", err)
	}
	for i := range donations {
		donations[i].Project = nil // projects are already in the snapshot
	}

	snap := Snapshot{Created: s.now(), Projects: projects, Donations: donations}
	raw, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	enc, err := util.EncryptAES(s.encryptKey, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	// 使用 时间 + uuid 作为文件名
	name := fmt.Sprintf("ledger-%s-%s.bin", snap.Created.Format("20060102-150405"), uuid.NewString())
	location, err := s.sink.Put(ctx, name, enc)
	if err != nil {
		return nil, err
	}

	b := &models.Backup{
		AdminID:   adminID,
		FileName:  name,
		Location:  location,
		Size:      int64(len(enc)),
		Projects:  len(projects),
		Donations: len(donations),
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		_ = s.sink.Delete(ctx, location)
		return nil, fmt.Errorf("save backup record: %w", err)
	}
	return b, nil
}

// List returns all backups, newest first.
func (s *Service) List(ctx context.Context) ([]models.Backup, error) {
	var list []models.Backup
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return list, nil
}

// Get returns one backup record or ledger.ErrNotFound.
func (s *Service) Get(ctx context.Context, id uint) (*models.Backup, error) {
	var b models.Backup
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return &b, nil
}

// Open streams the encrypted blob of a backup.
func (s *Service) Open(ctx context.Context, id uint) (*models.Backup, io.ReadCloser, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.sink.Open(ctx, b.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("open backup: %w", err)
	}
	return b, rc, nil
}

// Delete removes the blob first, then the record.
func (s *Service) Delete(ctx context.Context, id uint) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.sink.Delete(ctx, b.Location); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(b).Error; err != nil {
		return fmt.Errorf("delete backup record: %w", err)
	}
	return nil
}

// Decode decrypts and parses a backup blob.
func Decode(encryptKey string, data []byte) (*Snapshot, error) {
	raw, err := util.DecryptAES(encryptKey, data)
	if err != nil {
		return nil, fmt.Errorf("decrypt backup: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	}
	return &snap, nil
}
