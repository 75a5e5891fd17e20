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

type ConsultationRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ConsultationMapper
}

func NewConsultationRepository(db *gorm.DB) contract.ConsultationRepository {
	return &ConsultationRepositoryImpl{
		db:     db,
		mapper: mapper.NewConsultationMapper(),
	}
}

func (r *ConsultationRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *ConsultationRepositoryImpl) Create(ctx context.Context, consultation *entity.Consultation) error {
	m := r.mapper.ToModel(consultation)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return contract.ErrDuplicateKey
		}
		return err
	}
	*consultation = *r.mapper.ToEntity(m)
	return nil
}

func (r *ConsultationRepositoryImpl) UpdateStages(ctx context.Context, consultation *entity.Consultation) error {
	consultation.UpdatedAt = time.Now()
	m := r.mapper.ToModel(consultation)
	return r.db.WithContext(ctx).
		Model(&model.Consultation{Id: consultation.Id}).
		Select("state", "failed_stage", "layout_result", "energy_result", "conversation_id", "language", "updated_at").
		Updates(m).Error
}

func (r *ConsultationRepositoryImpl) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Consultation, error) {
	var m model.Consultation
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.mapper.ToEntity(&m), nil
}

func (r *ConsultationRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Consultation, error) {
	var models []*model.Consultation
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]*entity.Consultation, 0, len(models))
	for _, m := range models {
		res = append(res, r.mapper.ToEntity(m))
	}
	return res, nil
}

// guarded runs a conditional UPDATE and reports whether a row changed.
func (r *ConsultationRepositoryImpl) guarded(ctx context.Context, query *gorm.DB, values map[string]interface{}) (bool, error) {
	values["updated_at"] = time.Now()
	res := query.WithContext(ctx).Model(&model.Consultation{}).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func paymentStatuses(to entity.PaymentStatus) []string {
	var out []string
	for _, s := range entity.PaymentStatusesBefore(to) {
		out = append(out, string(s))
	}
	return out
}

func (r *ConsultationRepositoryImpl) BeginPayment(ctx context.Context, id uuid.UUID, orderID string) (bool, error) {
	return r.guarded(ctx,
		r.db.Where("id = ? AND payment_status IN ?", id, paymentStatuses(entity.PaymentStatusProcessing)),
		map[string]interface{}{
			"payment_status":   string(entity.PaymentStatusProcessing),
			"payment_order_id": orderID,
			"state":            string(entity.StatePaymentPending),
		})
}

func (r *ConsultationRepositoryImpl) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	return r.guarded(ctx,
		r.db.Where("id = ? AND payment_status IN ?", id, paymentStatuses(entity.PaymentStatusCompleted)),
		map[string]interface{}{
			"payment_status":    string(entity.PaymentStatusCompleted),
			"payment_completed": true,
			"paid_at":           paidAt,
			"state":             string(entity.StateReportGenerating),
			"failed_stage":      "",
		})
}

func (r *ConsultationRepositoryImpl) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.guarded(ctx,
		r.db.Where("id = ? AND payment_status IN ?", id, paymentStatuses(entity.PaymentStatusFailed)),
		map[string]interface{}{
			"payment_status": string(entity.PaymentStatusFailed),
		})
}

func (r *ConsultationRepositoryImpl) TryStartReport(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	startable := []string{string(entity.ReportStatusNone), string(entity.ReportStatusPending), string(entity.ReportStatusFailed)}
	return r.guarded(ctx,
		r.db.Where("id = ? AND payment_status = ? AND report_status IN ?", id, string(entity.PaymentStatusCompleted), startable),
		map[string]interface{}{
			"report_status":     string(entity.ReportStatusProcessing),
			"report_started_at": startedAt,
			"report_error":      "",
			"state":             string(entity.StateReportGenerating),
			"failed_stage":      "",
		})
}

func (r *ConsultationRepositoryImpl) FinishReport(ctx context.Context, id uuid.UUID, outcome contract.ReportOutcome) (bool, error) {
	values := map[string]interface{}{
		"report_status": string(outcome.Status),
		"report_error":  outcome.Error,
	}
	if outcome.Status == entity.ReportStatusCompleted {
		values["report_content"] = outcome.Content
		values["report_pdf"] = outcome.Pdf
		values["state"] = string(entity.StateReportComplete)
	} else {
		values["state"] = string(entity.StateError)
		values["failed_stage"] = "report"
	}
	return r.guarded(ctx,
		r.db.Where("id = ? AND report_status = ?", id, string(entity.ReportStatusProcessing)),
		values)
}

func (r *ConsultationRepositoryImpl) FailStaleReports(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Consultation{}).
		Where("report_status = ? AND report_started_at < ?", string(entity.ReportStatusProcessing), cutoff).
		Updates(map[string]interface{}{
			"report_status": string(entity.ReportStatusFailed),
			"report_error":  reason,
			"state":         string(entity.StateError),
			"failed_stage":  "report",
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}
