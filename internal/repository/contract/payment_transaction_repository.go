package contract

import (
	"context"
	"time"

	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/repository/specification"

	"github.com/google/uuid"
)

type PaymentTransactionRepository interface {
	Create(ctx context.Context, tx *entity.PaymentTransaction) error
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.PaymentTransaction, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.PaymentTransaction, error)
	// MarkSettled applies once; a settled transaction never changes again.
	MarkSettled(ctx context.Context, orderID uuid.UUID, providerStatus string, settledAt time.Time) (applied bool, err error)
	MarkFailed(ctx context.Context, orderID uuid.UUID, providerStatus string) (applied bool, err error)
}
