package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/Bshisia/community-hope/internal/donation"
)

// Callback is the stkCallback object Daraja posts to the callback URL.
type Callback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

// MetadataItem is one Name/Value pair; Value is a string or a number.
type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// Metadata is the subset of CallbackMetadata we use.
type Metadata struct {
	Amount             int64
	MpesaReceiptNumber string
	TransactionDate    string
	PhoneNumber        string
}

// ParseCallback decodes a raw callback request body.
func ParseCallback(body []byte) (*Callback, error) {
	var env struct {
		Body *struct {
			StkCallback *Callback `json:"stkCallback"`
		} `json:"Body"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber() // phone numbers and dates do not fit a float64 exactly
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, errors.New("decode callback: missing Body.stkCallback")
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("decode callback: missing CheckoutRequestID")
	}
	if _, err := cb.resultCode(); err != nil {
		return nil, err
	}
	return cb, nil
}

func (cb *Callback) resultCode() (int64, error) {
	code, err := strconv.ParseInt(cb.ResultCode.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode callback: bad ResultCode %q", cb.ResultCode)
	}
	return code, nil
}

// Succeeded reports ResultCode == 0.
func (cb *Callback) Succeeded() bool {
	code, err := cb.resultCode()
	return err == nil && code == 0
}

// Metadata extracts the known items; unknown names are ignored.
func (cb *Callback) Metadata() Metadata {
	var md Metadata
	if cb.CallbackMetadata == nil {
		return md
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			md.Amount = toAmount(item.Value)
		case "MpesaReceiptNumber":
			md.MpesaReceiptNumber = toString(item.Value)
		case "TransactionDate":
			md.TransactionDate = toString(item.Value)
		case "PhoneNumber":
			md.PhoneNumber = toString(item.Value)
		}
	}
	return md
}

// Notification normalizes the callback for the lifecycle manager.
func (cb *Callback) Notification() donation.Notification {
	n := donation.Notification{
		Token:       cb.CheckoutRequestID,
		Outcome:     donation.OutcomeFailure,
		Description: cb.ResultDesc,
	}
	if cb.Succeeded() {
		md := cb.Metadata()
		n.Outcome = donation.OutcomeSuccess
		n.Receipt = md.MpesaReceiptNumber
		n.ReportedAmount = md.Amount
	}
	return n
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toAmount(v any) int64 {
	var f float64
	switch x := v.(type) {
	case json.Number:
		f, _ = x.Float64()
	case string:
		f, _ = strconv.ParseFloat(x, 64)
	default:
		return 0
	}
	return int64(math.Round(f))
}
