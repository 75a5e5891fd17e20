package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/repository/specification"
	"fengshui-report-be/internal/repository/unitofwork"
	"fengshui-report-be/pkg/events"
	"fengshui-report-be/pkg/metrics"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// ReportNotifier pushes report job updates to connected clients.
type ReportNotifier interface {
	NotifyReport(consultationID uuid.UUID, payload interface{})
}

type IConsumerService interface {
	Consume(ctx context.Context) error
	// Wait blocks until every started job has finished.
	Wait()
}

type consumerService struct {
	subscriber     message.Subscriber
	topicName      string
	uowFactory     unitofwork.RepositoryFactory
	consultations  IConsultationService
	notifier       ReportNotifier
	eventPublisher events.Publisher
	logger         logger.ILogger
	jobTimeout     time.Duration
	slots          chan struct{}
	wg             sync.WaitGroup
}

func NewConsumerService(
	subscriber message.Subscriber,
	topicName string,
	uowFactory unitofwork.RepositoryFactory,
	consultations IConsultationService,
	notifier ReportNotifier,
	eventPublisher events.Publisher,
	logger logger.ILogger,
	jobTimeout time.Duration,
	concurrency int,
) IConsumerService {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &consumerService{
		subscriber:     subscriber,
		topicName:      topicName,
		uowFactory:     uowFactory,
		consultations:  consultations,
		notifier:       notifier,
		eventPublisher: eventPublisher,
		logger:         logger,
		jobTimeout:     jobTimeout,
		slots:          make(chan struct{}, concurrency),
	}
}

func (cs *consumerService) Consume(ctx context.Context) error {
	messages, err := cs.subscriber.Subscribe(ctx, cs.topicName)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			cs.processMessage(msg)
		}
	}()

	return nil
}

func (cs *consumerService) Wait() {
	cs.wg.Wait()
}

// processMessage acks as soon as the payload is read. The claimed job is
// tracked in the database, so a lost message surfaces as a stale job.
func (cs *consumerService) processMessage(msg *message.Message) {
	var payload dto.GenerateReportMessage
	err := json.Unmarshal(msg.Payload, &payload)
	msg.Ack()
	if err != nil {
		cs.logger.Error("REPORT", "Failed to unmarshal report job", map[string]interface{}{
			"message_id": msg.UUID,
			"error":      err.Error(),
		})
		return
	}

	cs.slots <- struct{}{}
	cs.wg.Add(1)
	go func() {
		defer func() {
			<-cs.slots
			cs.wg.Done()
		}()
		cs.run(payload.ConsultationId)
	}()
}

func (cs *consumerService) run(id uuid.UUID) {
	// Jobs outlive the request that queued them.
	ctx, cancel := context.WithTimeout(context.Background(), cs.jobTimeout)
	defer cancel()

	cs.logger.Info("REPORT", "Report job started", map[string]interface{}{
		"consultation_id": id.String(),
	})

	status := dto.ReportStatusResponse{ConsultationId: id}
	res, err := cs.consultations.RunClaimedReport(ctx, id)
	if err != nil {
		status.Status = string(entity.ReportStatusFailed)
		status.Error = err.Error()
		metrics.ReportJobs.WithLabelValues("failed").Inc()
	} else {
		status.Status = string(entity.ReportStatusCompleted)
		status.Report = res
		metrics.ReportJobs.WithLabelValues("completed").Inc()
	}

	if cs.notifier != nil {
		cs.notifier.NotifyReport(id, status)
	}
	cs.publish(id, status)
}

func (cs *consumerService) publish(id uuid.UUID, status dto.ReportStatusResponse) {
	if cs.eventPublisher == nil {
		return
	}
	ctx := context.Background()
	c, err := cs.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil || c == nil {
		cs.logger.Warn("REPORT", "Consultation vanished before event publish", map[string]interface{}{
			"consultation_id": id.String(),
		})
		return
	}

	eventType := events.ReportCompleted
	if status.Status != string(entity.ReportStatusCompleted) {
		eventType = events.ReportFailed
	}
	evt := events.New(eventType, map[string]interface{}{
		"consultation_id": id.String(),
		"email":           c.Email,
		"status":          status.Status,
		"error":           status.Error,
	})
	if err := cs.eventPublisher.Publish(ctx, evt); err != nil {
		cs.logger.Warn("REPORT", "Failed to publish report event", map[string]interface{}{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}
