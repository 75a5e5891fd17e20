package entity

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string
type TransactionStatus string

const (
	PaymentStatusUnpaid     PaymentStatus = "unpaid"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"

	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSettled TransactionStatus = "settled"
	TransactionStatusFailed  TransactionStatus = "failed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusUnpaid:     {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusFailed:     {PaymentStatusProcessing, PaymentStatusCompleted},
	PaymentStatusCompleted:  {},
}

// CanTransitionPayment enforces forward-only payment status. completed is
// terminal; failed may start a new attempt or settle late.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentStatusesBefore lists the statuses from which to is reachable.
func PaymentStatusesBefore(to PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, from := range []PaymentStatus{PaymentStatusUnpaid, PaymentStatusProcessing, PaymentStatusFailed, PaymentStatusCompleted} {
		if CanTransitionPayment(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// PaymentTransaction is one checkout attempt. Its Id is the provider order id.
type PaymentTransaction struct {
	Id             uuid.UUID
	ConsultationId uuid.UUID
	Amount         int64
	Status         TransactionStatus
	ProviderStatus string
	CreatedAt      time.Time
	SettledAt      *time.Time
}
