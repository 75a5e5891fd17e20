package implementation

import (
	"context"
	"errors"
	"time"

	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/mapper"
	"fengshui-report-be/internal/model"
	"fengshui-report-be/internal/repository/contract"
	"fengshui-report-be/internal/repository/specification"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentTransactionRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ConsultationMapper
}

func NewPaymentTransactionRepository(db *gorm.DB) contract.PaymentTransactionRepository {
	return &PaymentTransactionRepositoryImpl{
		db:     db,
		mapper: mapper.NewConsultationMapper(),
	}
}

func (r *PaymentTransactionRepositoryImpl) Create(ctx context.Context, tx *entity.PaymentTransaction) error {
	m := r.mapper.TransactionToModel(tx)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*tx = *r.mapper.TransactionToEntity(m)
	return nil
}

func (r *PaymentTransactionRepositoryImpl) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.PaymentTransaction, error) {
	var m model.PaymentTransaction
	query := r.db.WithContext(ctx)
	for _, spec := range specs {
		query = spec.Apply(query)
	}
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.mapper.TransactionToEntity(&m), nil
}

func (r *PaymentTransactionRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.PaymentTransaction, error) {
	var models []*model.PaymentTransaction
	query := r.db.WithContext(ctx)
	for _, spec := range specs {
		query = spec.Apply(query)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]*entity.PaymentTransaction, 0, len(models))
	for _, m := range models {
		res = append(res, r.mapper.TransactionToEntity(m))
	}
	return res, nil
}

func (r *PaymentTransactionRepositoryImpl) MarkSettled(ctx context.Context, orderID uuid.UUID, providerStatus string, settledAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND status <> ?", orderID, string(entity.TransactionStatusSettled)).
		Updates(map[string]interface{}{
			"status":          string(entity.TransactionStatusSettled),
			"provider_status": providerStatus,
			"settled_at":      settledAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentTransactionRepositoryImpl) MarkFailed(ctx context.Context, orderID uuid.UUID, providerStatus string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND status = ?", orderID, string(entity.TransactionStatusPending)).
		Updates(map[string]interface{}{
			"status":          string(entity.TransactionStatusFailed),
			"provider_status": providerStatus,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
