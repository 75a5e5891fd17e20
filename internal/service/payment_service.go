package service

import (
	"context"
	"time"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/repository/specification"
	"fengshui-report-be/internal/repository/unitofwork"
	"fengshui-report-be/pkg/events"
	"fengshui-report-be/pkg/metrics"
	"fengshui-report-be/pkg/payment"

	"github.com/google/uuid"
)

type IPaymentService interface {
	Checkout(ctx context.Context, email string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error)
	// Verify asks the gateway for the order's status and applies it.
	Verify(ctx context.Context, req *dto.VerifyPaymentRequest) (*dto.PaymentStatusResponse, error)
	HandleNotification(ctx context.Context, req *dto.MidtransWebhookRequest) (*dto.PaymentStatusResponse, error)
}

type PaymentOptions struct {
	Price         int64
	WebhookSecret string
	FinishURL     string
}

type paymentService struct {
	uowFactory     unitofwork.RepositoryFactory
	gateway        payment.Gateway
	eventPublisher events.Publisher
	logger         logger.ILogger
	opts           PaymentOptions
	now            func() time.Time
}

func NewPaymentService(
	uowFactory unitofwork.RepositoryFactory,
	gateway payment.Gateway,
	eventPublisher events.Publisher,
	logger logger.ILogger,
	opts PaymentOptions,
) IPaymentService {
	return &paymentService{
		uowFactory:     uowFactory,
		gateway:        gateway,
		eventPublisher: eventPublisher,
		logger:         logger,
		opts:           opts,
		now:            time.Now,
	}
}

func (s *paymentService) findConsultation(ctx context.Context, uow unitofwork.UnitOfWork, id uuid.UUID) (*entity.Consultation, error) {
	c, err := uow.ConsultationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsultationNotFound
	}
	return c, nil
}

func (s *paymentService) Checkout(ctx context.Context, email string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	c, err := s.findConsultation(ctx, uow, req.ConsultationId)
	if err != nil {
		return nil, err
	}
	if email != "" && c.Email != email {
		return nil, ErrConsultationNotFound
	}
	if c.IsPaid() {
		return nil, ErrAlreadyPaid
	}
	if !c.EnergySucceeded() {
		return nil, ErrEnergyNotReady
	}

	tx := &entity.PaymentTransaction{
		Id:             uuid.New(),
		ConsultationId: c.Id,
		Amount:         s.opts.Price,
		Status:         entity.TransactionStatusPending,
		CreatedAt:      s.now(),
	}

	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback()

	if err := uow.PaymentTransactionRepository().Create(ctx, tx); err != nil {
		return nil, err
	}
	applied, err := uow.ConsultationRepository().BeginPayment(ctx, c.Id, tx.Id.String())
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrAlreadyPaid
	}
	if err := uow.Commit(); err != nil {
		return nil, err
	}

	// The gateway call stays outside the DB transaction.
	checkout, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		OrderID:   tx.Id.String(),
		Amount:    tx.Amount,
		ItemID:    c.Id.String(),
		ItemName:  "Feng shui consultation report",
		Email:     c.Email,
		FirstName: req.FirstName,
		FinishURL: s.opts.FinishURL,
	})
	if err != nil {
		s.logger.Error("PAYMENT", "Checkout creation failed", map[string]interface{}{
			"consultation_id": c.Id.String(),
			"order_id":        tx.Id.String(),
			"error":           err.Error(),
		})
		s.abandon(ctx, c.Id, tx.Id, "checkout_error")
		return nil, err
	}

	s.logger.Info("PAYMENT", "Checkout created", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"order_id":        tx.Id.String(),
		"amount":          tx.Amount,
	})
	return &dto.CheckoutResponse{
		ConsultationId:  c.Id,
		OrderId:         tx.Id,
		Amount:          tx.Amount,
		SnapToken:       checkout.Token,
		SnapRedirectUrl: checkout.RedirectURL,
	}, nil
}

// abandon fails an order that never reached the provider so a new checkout
// can be started.
func (s *paymentService) abandon(ctx context.Context, consultationID, orderID uuid.UUID, reason string) {
	ctx = context.WithoutCancel(ctx)
	uow := s.uowFactory.NewUnitOfWork(ctx)
	if _, err := uow.PaymentTransactionRepository().MarkFailed(ctx, orderID, reason); err != nil {
		s.logger.Warn("PAYMENT", "Failed to mark transaction failed", map[string]interface{}{"order_id": orderID.String(), "error": err.Error()})
	}
	if _, err := uow.ConsultationRepository().MarkPaymentFailed(ctx, consultationID); err != nil {
		s.logger.Warn("PAYMENT", "Failed to mark payment failed", map[string]interface{}{"consultation_id": consultationID.String(), "error": err.Error()})
	}
}

func (s *paymentService) Verify(ctx context.Context, req *dto.VerifyPaymentRequest) (*dto.PaymentStatusResponse, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	c, err := s.findConsultation(ctx, uow, req.ConsultationId)
	if err != nil {
		return nil, err
	}
	if c.IsPaid() || c.PaymentOrderId == "" {
		return &dto.PaymentStatusResponse{
			ConsultationId: c.Id,
			OrderId:        c.PaymentOrderId,
			PaymentStatus:  string(c.PaymentStatus),
		}, nil
	}

	status, err := s.gateway.CheckTransaction(ctx, c.PaymentOrderId)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, c.PaymentOrderId, status.TransactionStatus, status.Outcome)
}

func (s *paymentService) HandleNotification(ctx context.Context, req *dto.MidtransWebhookRequest) (*dto.PaymentStatusResponse, error) {
	if s.opts.WebhookSecret == "" {
		return nil, payment.ErrNotConfigured
	}
	if !payment.VerifySignature(req.OrderId, req.StatusCode, req.GrossAmount, s.opts.WebhookSecret, req.SignatureKey) {
		s.logger.Warn("PAYMENT", "Rejected notification with bad signature", map[string]interface{}{
			"order_id": req.OrderId,
		})
		return nil, ErrInvalidSignature
	}
	return s.apply(ctx, req.OrderId, req.TransactionStatus, payment.Classify(req.TransactionStatus, req.FraudStatus))
}

// apply moves the order and its consultation forward. Replays and late
// notifications are no-ops; side effects run only when the consultation
// transition itself was applied.
func (s *paymentService) apply(ctx context.Context, orderID, providerStatus string, outcome payment.Outcome) (*dto.PaymentStatusResponse, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, ErrUnknownOrder
	}
	uow := s.uowFactory.NewUnitOfWork(ctx)
	tx, err := uow.PaymentTransactionRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrUnknownOrder
	}

	applied := false
	switch outcome {
	case payment.OutcomeSettled:
		applied, err = s.settle(ctx, tx, providerStatus)
	case payment.OutcomeFailed:
		applied, err = s.fail(ctx, tx, providerStatus)
	}
	if err != nil {
		return nil, err
	}

	c, err := s.findConsultation(ctx, uow, tx.ConsultationId)
	if err != nil {
		return nil, err
	}
	s.logger.Info("PAYMENT", "Payment status processed", map[string]interface{}{
		"order_id":        orderID,
		"provider_status": providerStatus,
		"outcome":         string(outcome),
		"applied":         applied,
	})
	return &dto.PaymentStatusResponse{
		ConsultationId: c.Id,
		OrderId:        orderID,
		PaymentStatus:  string(c.PaymentStatus),
		Applied:        applied,
	}, nil
}

func (s *paymentService) settle(ctx context.Context, tx *entity.PaymentTransaction, providerStatus string) (bool, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	if err := uow.Begin(ctx); err != nil {
		return false, err
	}
	defer uow.Rollback()

	now := s.now()
	applied, err := uow.ConsultationRepository().MarkPaymentCompleted(ctx, tx.ConsultationId, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if _, err := uow.PaymentTransactionRepository().MarkSettled(ctx, tx.Id, providerStatus, now); err != nil {
		return false, err
	}
	if err := uow.Commit(); err != nil {
		return false, err
	}

	metrics.PaymentTransitions.WithLabelValues(string(entity.PaymentStatusCompleted)).Inc()
	if s.eventPublisher != nil {
		evt := events.New(events.ConsultationPaid, map[string]interface{}{
			"consultation_id": tx.ConsultationId.String(),
			"order_id":        tx.Id.String(),
			"amount":          tx.Amount,
		})
		if err := s.eventPublisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("PAYMENT", "Failed to publish CONSULTATION_PAID event", map[string]interface{}{"error": err.Error()})
		}
	}
	return true, nil
}

func (s *paymentService) fail(ctx context.Context, tx *entity.PaymentTransaction, providerStatus string) (bool, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	if _, err := uow.PaymentTransactionRepository().MarkFailed(ctx, tx.Id, providerStatus); err != nil {
		return false, err
	}
	c, err := s.findConsultation(ctx, uow, tx.ConsultationId)
	if err != nil {
		return false, err
	}
	// A stale order must not fail a newer checkout.
	if c.PaymentOrderId != tx.Id.String() {
		return false, nil
	}
	applied, err := uow.ConsultationRepository().MarkPaymentFailed(ctx, c.Id)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.PaymentTransitions.WithLabelValues(string(entity.PaymentStatusFailed)).Inc()
	}
	return applied, nil
}

