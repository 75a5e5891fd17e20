package unitofwork

import (
	"context"

	"fengshui-report-be/internal/repository/contract"
)

type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	ConsultationRepository() contract.ConsultationRepository
	PaymentTransactionRepository() contract.PaymentTransactionRepository
}
