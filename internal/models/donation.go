package models

import "time"

// DonationStatus is the lifecycle state of a donation.
// pending is the only state a donation can leave.
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationCompleted DonationStatus = "completed"
	DonationFailed    DonationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DonationStatus) Terminal() bool {
	return s == DonationCompleted || s == DonationFailed
}

// Payment methods accepted for a donation.
const (
	PaymentMpesa = "mpesa" // mobile money (M-Pesa STK push)
	PaymentCard  = "card"
)

// Donation is a single gift to a project.
type Donation struct {
	ID                uint           `gorm:"primaryKey" dynamodbav:"id"`
	ProjectID         uint           `gorm:"index;not null" dynamodbav:"project_id"`
	Amount            int64          `gorm:"not null;check:amount > 0" dynamodbav:"amount"`
	PaymentMethod     string         `gorm:"size:16;not null" dynamodbav:"payment_method"`
	PhoneEnc          string         `gorm:"size:255" dynamodbav:"phone_enc"` // 手机号密文（AES+base64）
	CorrelationToken  string         `gorm:"size:128;uniqueIndex;not null" dynamodbav:"correlation_token"`
	ProviderReference string         `gorm:"size:64" dynamodbav:"provider_reference"`
	Status            DonationStatus `gorm:"size:16;index;not null;default:pending" dynamodbav:"status"`
	Message           string         `gorm:"size:500" dynamodbav:"message"`
	CreatedAt         time.Time      `gorm:"index" dynamodbav:"created_at"`
	UpdatedAt         time.Time      `dynamodbav:"updated_at"`

	Project *Project `gorm:"constraint:OnDelete:CASCADE" dynamodbav:"-"`
}
