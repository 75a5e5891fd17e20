package service

import (
	"context"
	"encoding/json"
	"time"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/repository/contract"
	"fengshui-report-be/internal/repository/specification"
	"fengshui-report-be/internal/repository/unitofwork"
	"fengshui-report-be/pkg/metrics"

	"github.com/google/uuid"
)

const staleReportReason = "report job was interrupted before it finished"

type IReportService interface {
	// StartJob claims the report job and queues it. A consultation whose
	// job is already running or finished is left alone.
	StartJob(ctx context.Context, req *dto.FullReportRequest) (*dto.ReportJobResponse, error)
	Status(ctx context.Context, id uuid.UUID, email string) (*dto.ReportStatusResponse, error)
	// RecoverStale fails jobs left processing by a previous process.
	RecoverStale(ctx context.Context) (int64, error)
}

type reportService struct {
	uowFactory       unitofwork.RepositoryFactory
	consultations    IConsultationService
	publisherService IPublisherService
	logger           logger.ILogger
	jobTimeout       time.Duration
	now              func() time.Time
}

func NewReportService(
	uowFactory unitofwork.RepositoryFactory,
	consultations IConsultationService,
	publisherService IPublisherService,
	logger logger.ILogger,
	jobTimeout time.Duration,
) IReportService {
	return &reportService{
		uowFactory:       uowFactory,
		consultations:    consultations,
		publisherService: publisherService,
		logger:           logger,
		jobTimeout:       jobTimeout,
		now:              time.Now,
	}
}

func (s *reportService) StartJob(ctx context.Context, req *dto.FullReportRequest) (*dto.ReportJobResponse, error) {
	c, err := s.consultations.Locate(ctx, &req.StageRequest)
	if err != nil {
		return nil, err
	}
	if !c.IsPaid() {
		return nil, ErrPaymentRequired
	}

	repo := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository()
	applied, err := repo.TryStartReport(ctx, c.Id, s.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		cur, err := repo.FindOne(ctx, specification.ByID{ID: c.Id})
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, ErrConsultationNotFound
		}
		return &dto.ReportJobResponse{ConsultationId: cur.Id, Status: string(cur.ReportStatus)}, nil
	}

	msgJson, err := json.Marshal(dto.GenerateReportMessage{ConsultationId: c.Id})
	if err != nil {
		return nil, err
	}
	if err := s.publisherService.Publish(ctx, msgJson); err != nil {
		if _, ferr := repo.FinishReport(context.WithoutCancel(ctx), c.Id, contract.ReportOutcome{
			Status: entity.ReportStatusFailed,
			Error:  "could not queue report job",
		}); ferr != nil {
			s.logger.Error("REPORT", "Failed to release report job", map[string]interface{}{
				"consultation_id": c.Id.String(),
				"error":           ferr.Error(),
			})
		}
		return nil, err
	}

	metrics.ReportJobs.WithLabelValues("started").Inc()
	s.logger.Info("REPORT", "Report job queued", map[string]interface{}{
		"consultation_id": c.Id.String(),
	})
	return &dto.ReportJobResponse{ConsultationId: c.Id, Status: string(entity.ReportStatusProcessing)}, nil
}

func (s *reportService) Status(ctx context.Context, id uuid.UUID, email string) (*dto.ReportStatusResponse, error) {
	c, err := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil || (email != "" && c.Email != email) {
		return nil, ErrConsultationNotFound
	}
	res := &dto.ReportStatusResponse{
		ConsultationId: c.Id,
		Status:         string(c.ReportStatus),
		Error:          c.ReportError,
	}
	if c.ReportStatus == entity.ReportStatusCompleted {
		res.Report = storedReport(c)
	}
	return res, nil
}

func (s *reportService) RecoverStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.jobTimeout)
	n, err := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().FailStaleReports(ctx, cutoff, staleReportReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ReportJobs.WithLabelValues("recovered").Add(float64(n))
		s.logger.Warn("REPORT", "Failed stale report jobs", map[string]interface{}{
			"count":  n,
			"cutoff": cutoff,
		})
	}
	return n, nil
}
