// Package payment wraps the payment provider used to charge for a full
// report. Only server-side confirmations move money-related state.
package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	ErrNotConfigured = errors.New("payment: provider is not configured")
	// ErrGateway wraps every failed call to the provider.
	ErrGateway = errors.New("payment: provider request failed")
)

// Outcome is the provider status collapsed to what the report flow needs.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
	OutcomeUnknown Outcome = "unknown"
)

type CheckoutRequest struct {
	OrderID   string
	Amount    int64
	ItemID    string
	ItemName  string
	Email     string
	FirstName string
	FinishURL string
}

type Checkout struct {
	OrderID     string
	Token       string
	RedirectURL string
}

type TransactionStatus struct {
	OrderID           string
	TransactionStatus string
	FraudStatus       string
	StatusCode        string
	GrossAmount       string
	Outcome           Outcome
}

// Gateway creates hosted checkouts and reads authoritative transaction
// status from the provider.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	CheckTransaction(ctx context.Context, orderID string) (*TransactionStatus, error)
}

// Classify maps provider transaction and fraud statuses to an Outcome.
func Classify(transactionStatus, fraudStatus string) Outcome {
	switch transactionStatus {
	case "capture":
		if fraudStatus == "challenge" {
			return OutcomePending
		}
		return OutcomeSettled
	case "settlement":
		return OutcomeSettled
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailed
	case "pending", "authorize":
		return OutcomePending
	}
	return OutcomeUnknown
}

// Signature computes SHA512(order_id + status_code + gross_amount + key) as hex.
func Signature(orderID, statusCode, grossAmount, key string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + key))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a notification signature in constant time.
func VerifySignature(orderID, statusCode, grossAmount, key, signature string) bool {
	if key == "" || signature == "" {
		return false
	}
	expected := Signature(orderID, statusCode, grossAmount, key)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
