package dto

import "github.com/google/uuid"

type CheckoutRequest struct {
	ConsultationId uuid.UUID `json:"consultation_id" validate:"required"`
	FirstName      string    `json:"first_name" validate:"max=100"`
}

type CheckoutResponse struct {
	ConsultationId  uuid.UUID `json:"consultation_id"`
	OrderId         uuid.UUID `json:"order_id"`
	Amount          int64     `json:"amount"`
	SnapToken       string    `json:"snap_token"`
	SnapRedirectUrl string    `json:"snap_redirect_url"`
}

type VerifyPaymentRequest struct {
	ConsultationId uuid.UUID `json:"consultation_id" validate:"required"`
}

type PaymentStatusResponse struct {
	ConsultationId uuid.UUID `json:"consultation_id"`
	OrderId        string    `json:"order_id,omitempty"`
	PaymentStatus  string    `json:"payment_status"`
	Applied        bool      `json:"applied"`
}

type MidtransWebhookRequest struct {
	TransactionStatus string `json:"transaction_status"`
	OrderId           string `json:"order_id"`
	FraudStatus       string `json:"fraud_status"`
	// Signature validation fields
	SignatureKey string `json:"signature_key"`
	StatusCode   string `json:"status_code"`
	GrossAmount  string `json:"gross_amount"`
}

// GenerateReportMessage is the payload of the async report topic.
type GenerateReportMessage struct {
	ConsultationId uuid.UUID `json:"consultation_id"`
}
