package models

import "time"

// Backup describes an encrypted ledger snapshot written to a backup sink.
type Backup struct {
	ID        uint   `gorm:"primaryKey"`
	AdminID   uint   `gorm:"index;not null"`
	FileName  string `gorm:"size:255;not null"`
	Location  string `gorm:"size:1024;not null"` // local path or s3://bucket/key
	Size      int64
	Projects  int
	Donations int
	CreatedAt time.Time
}
