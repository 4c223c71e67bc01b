package models

import "time"

// AuditLog records admin operations for auditing.
type AuditLog struct {
	ID        uint   `gorm:"primaryKey"`
	AdminID   *uint  `gorm:"index"`
	PathEnc   string `gorm:"size:1024"` // 加密后的路径
	Method    string `gorm:"size:16"`
	ActionEnc string `gorm:"size:4096"` // 加密后的动作 + 请求体摘要
	IP        string `gorm:"size:64"`
	UserAgent string `gorm:"size:255"`
	CreatedAt time.Time
}
