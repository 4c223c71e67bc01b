package models

import "time"

// Session stores admin login sessions (for logout, invalidation, audit).
type Session struct {
	ID        string    `gorm:"primaryKey;size:64"` // UUID, carried as the JWT id
	AdminID   uint      `gorm:"index;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	Revoked   bool      `gorm:"index;not null"`
	CreatedAt time.Time

	Admin Admin `gorm:"constraint:OnDelete:CASCADE"`
}
