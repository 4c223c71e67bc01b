package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Provider limits for a single STK push, in whole KES.
const (
	MinDonationAmount = 1
	MaxDonationAmount = 150000
)

var (
	nonDigit   = regexp.MustCompile(`\D`)
	kenyaPhone = regexp.MustCompile(`^254[71]\d{8}$`)
)

// ValidateAmount 验证捐款金额（整数 KES，1 ~ 150000）
func ValidateAmount(amount int64) error {
	if amount < MinDonationAmount {
		return fmt.Errorf("amount must be at least %d, got %d", MinDonationAmount, amount)
	}
	if amount > MaxDonationAmount {
		return fmt.Errorf("amount must not exceed %d, got %d", MaxDonationAmount, amount)
	}
	return nil
}

// FormatPhoneNumber normalizes a Kenyan mobile number to 254XXXXXXXXX.
// Accepted inputs: "254712345678", "+254 712 345 678", "0712345678", "712345678".
func FormatPhoneNumber(phone string) string {
	cleaned := nonDigit.ReplaceAllString(phone, "")
	switch {
	case strings.HasPrefix(cleaned, "254"):
		return cleaned
	case strings.HasPrefix(cleaned, "0"):
		return "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "7"), strings.HasPrefix(cleaned, "1"):
		return "254" + cleaned
	}
	return cleaned
}

// ValidatePhoneNumber 校验手机号，返回规范化后的号码
func ValidatePhoneNumber(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("phone number is empty")
	}
	formatted := FormatPhoneNumber(phone)
	if !kenyaPhone.MatchString(formatted) {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	return formatted, nil
}

// MaskPhoneNumber hides the middle digits, e.g. 254712345678 -> 2547****5678.
func MaskPhoneNumber(phone string) string {
	if len(phone) < 8 {
		return phone
	}
	return phone[:4] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-4:]
}

// ValidateDate 验证日期格式（必须为 YYYY-MM-DD）
func ValidateDate(dateStr string) error {
	if dateStr == "" {
		return fmt.Errorf("date is empty")
	}
	_, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}
	return nil
}

// ValidateCategory 验证分类（不能为空且长度合理）
func ValidateCategory(category string) error {
	if category == "" {
		return fmt.Errorf("category is empty")
	}
	if len(category) > 32 {
		return fmt.Errorf("category too long, max 32 characters")
	}
	return nil
}
