package models

import "time"

// ProjectStatus is the lifecycle state of a fundraising project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectPaused    ProjectStatus = "paused"
)

// Valid reports whether s is one of the known project states.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectPaused:
		return true
	}
	return false
}

// Project is a fundraising project.
// Amounts are whole KES, so no float math is ever needed.
type Project struct {
	ID           uint          `gorm:"primaryKey" dynamodbav:"id"`
	Name         string        `gorm:"size:128;not null" dynamodbav:"name"`
	Description  string        `gorm:"type:text;not null" dynamodbav:"description"`
	ImageURL     string        `gorm:"size:512" dynamodbav:"image_url"`
	TargetAmount int64         `gorm:"not null;check:target_amount > 0" dynamodbav:"target_amount"`
	RaisedAmount int64         `gorm:"not null;default:0;check:raised_amount >= 0" dynamodbav:"raised_amount"` // 只能由 ledger 原子累加
	Category     string        `gorm:"size:32;index;not null" dynamodbav:"category"`
	Status       ProjectStatus `gorm:"size:16;index;not null;default:active" dynamodbav:"status"`
	CreatedAt    time.Time     `dynamodbav:"created_at"`
	UpdatedAt    time.Time     `dynamodbav:"updated_at"`
}
