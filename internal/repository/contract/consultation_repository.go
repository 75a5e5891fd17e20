package contract

import (
	"context"
	"errors"
	"time"

	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/repository/specification"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned by Create when a consultation with the same
// owner, inputs and house type already exists.
var ErrDuplicateKey = errors.New("duplicate consultation key")

// ReportOutcome is the terminal write of a report job.
type ReportOutcome struct {
	Status  entity.ReportStatus
	Content string
	Pdf     []byte
	Error   string
}

type ConsultationRepository interface {
	Create(ctx context.Context, consultation *entity.Consultation) error
	// UpdateStages writes the orchestration fields only. Payment and report
	// columns change through the guarded methods below.
	UpdateStages(ctx context.Context, consultation *entity.Consultation) error
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Consultation, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Consultation, error)

	// BeginPayment moves payment to processing unless it is completed.
	BeginPayment(ctx context.Context, id uuid.UUID, orderID string) (applied bool, err error)
	// MarkPaymentCompleted applies at most once per consultation.
	MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paidAt time.Time) (applied bool, err error)
	MarkPaymentFailed(ctx context.Context, id uuid.UUID) (applied bool, err error)

	// TryStartReport claims the report job if the consultation is paid and
	// no job is processing or completed.
	TryStartReport(ctx context.Context, id uuid.UUID, startedAt time.Time) (applied bool, err error)
	FinishReport(ctx context.Context, id uuid.UUID, outcome ReportOutcome) (applied bool, err error)
	// FailStaleReports fails jobs still processing since before cutoff.
	FailStaleReports(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}
