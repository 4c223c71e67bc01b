// Package account manages admin accounts and their login sessions.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Bshisia/community-hope/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	MaxFailedAttempts = 5
	LockDuration      = 10 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrLocked             = errors.New("account locked, try again later")
	ErrWeakPassword       = errors.New("password must be 8-64 characters with upper, lower case letters and digits")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrEmailTaken         = errors.New("email already registered")
	ErrSessionInvalid     = errors.New("session expired or revoked")
)

// Service is backed by the SQL database regardless of the ledger backend.
type Service struct {
	db         *gorm.DB
	bcryptCost int
	now        func() time.Time
}

func NewService(db *gorm.DB, bcryptCost int) *Service {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{db: db, bcryptCost: bcryptCost, now: time.Now}
}

// IsStrongPassword: 8-64 位，包含大小写字母和数字
func IsStrongPassword(pwd string) bool {
	if len(pwd) < 8 || len(pwd) > 64 {
		return false
	}
	var hasUpper, hasLower, hasDigit bool
	for _, ch := range pwd {
		switch {
		case ch >= 'A' && ch <= 'Z':
			hasUpper = true
		case ch >= 'a' && ch <= 'z':
			hasLower = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// CreateAdmin registers a new admin with a bcrypt password hash.
func (s *Service) CreateAdmin(ctx context.Context, email, password, displayName string) (*models.Admin, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if !IsStrongPassword(password) {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	admin := &models.Admin{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
	}
	if err := s.db.WithContext(ctx).Create(admin).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create admin: %w", err)
	}
	return admin, nil
}

// Authenticate checks the password and applies the lockout policy:
// MaxFailedAttempts wrong passwords lock the account for LockDuration.
func (s *Service) Authenticate(ctx context.Context, email, password, ip string) (*models.Admin, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	db := s.db.WithContext(ctx)

	var admin models.Admin
	if err := db.Where("email = ?", email).First(&admin).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find admin: %w", err)
	}

	now := s.now()
	if admin.LockedUntil != nil && now.Before(*admin.LockedUntil) {
		return nil, ErrLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		// 密码错误：递增失败次数，达到上限则锁定
		admin.FailedLoginAttempts++
		if admin.FailedLoginAttempts >= MaxFailedAttempts {
			lockUntil := now.Add(LockDuration)
			admin.LockedUntil = &lockUntil
			admin.FailedLoginAttempts = 0
		}
		if err := db.Model(&admin).Select("FailedLoginAttempts", "LockedUntil").Updates(&admin).Error; err != nil {
			return nil, fmt.Errorf("record failed login: %w", err)
		}
		return nil, ErrInvalidCredentials
	}

	admin.FailedLoginAttempts = 0
	admin.LockedUntil = nil
	admin.LastLoginAt = &now
	admin.LastLoginIP = ip
	if err := db.Model(&admin).Select("FailedLoginAttempts", "LockedUntil", "LastLoginAt", "LastLoginIP").Updates(&admin).Error; err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	return &admin, nil
}

// StartSession opens a session whose ID becomes the JWT id.
func (s *Service) StartSession(ctx context.Context, adminID uint, ttl time.Duration) (*models.Session, error) {
	sess := &models.Session{
		ID:        uuid.NewString(),
		AdminID:   adminID,
		ExpiresAt: s.now().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// ActiveAdmin returns the admin owning a live session.
func (s *Service) ActiveAdmin(ctx context.Context, sessionID string, adminID uint) (*models.Admin, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Preload("Admin").
		Where("id = ? AND admin_id = ?", sessionID, adminID).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess.Revoked || !s.now().Before(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	return &sess.Admin, nil
}

func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("revoked", true).Error
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// ChangePassword verifies the old password, stores the new hash and revokes
// every session of the admin.
func (s *Service) ChangePassword(ctx context.Context, admin *models.Admin, oldPassword, newPassword string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if !IsStrongPassword(newPassword) {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(admin).Update("password_hash", string(hash)).Error; err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if err := tx.Model(&models.Session{}).Where("admin_id = ?", admin.ID).Update("revoked", true).Error; err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	admin.PasswordHash = string(hash)
	return nil
}
