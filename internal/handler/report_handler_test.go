package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/internal/service"
	internalWS "fengshui-report-be/internal/websocket"
	"fengshui-report-be/pkg/events"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReports struct {
	known uuid.UUID
	owner string
}

func (s *stubReports) StartJob(ctx context.Context, req *dto.FullReportRequest) (*dto.ReportJobResponse, error) {
	return nil, errors.New("not used")
}

func (s *stubReports) Status(ctx context.Context, id uuid.UUID, email string) (*dto.ReportStatusResponse, error) {
	if id != s.known || (email != "" && email != s.owner) {
		return nil, service.ErrConsultationNotFound
	}
	return &dto.ReportStatusResponse{ConsultationId: id, Status: "processing"}, nil
}

func (s *stubReports) RecoverStale(ctx context.Context) (int64, error) { return 0, nil }

type sentMail struct {
	to, id, reason string
	ready          bool
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendReportReady(to, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, id: id, ready: true})
	return m.err
}

func (m *fakeMailer) SendReportFailed(to, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, id: id, reason: reason})
	return m.err
}

func newTestHandler(reports *stubReports, mail *fakeMailer) *ReportHandler {
	log := logger.NewNopLogger()
	return NewReportHandler(reports, internalWS.NewHub(nil, log), mail, log, "", "anonymous")
}

func TestReportEventsAreMailed(t *testing.T) {
	mail := &fakeMailer{}
	h := newTestHandler(&stubReports{}, mail)
	bus := events.NewLocalBus()
	require.NoError(t, h.Subscribe(bus))
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, events.New(events.ReportCompleted, map[string]interface{}{
		"consultation_id": "c-1", "email": "mei@example.com", "status": "completed",
	})))
	require.NoError(t, bus.Publish(ctx, events.New(events.ReportFailed, map[string]interface{}{
		"consultation_id": "c-2", "email": "mei@example.com", "status": "failed", "error": "upstream closed",
	})))
	// Anonymous owners have nobody to mail.
	require.NoError(t, bus.Publish(ctx, events.New(events.ReportCompleted, map[string]interface{}{
		"consultation_id": "c-3", "email": "anonymous",
	})))

	require.Len(t, mail.sent, 2)
	assert.Equal(t, sentMail{to: "mei@example.com", id: "c-1", ready: true}, mail.sent[0])
	assert.Equal(t, sentMail{to: "mei@example.com", id: "c-2", reason: "upstream closed"}, mail.sent[1])
}

func TestReportMailFailureAsksForRedelivery(t *testing.T) {
	mail := &fakeMailer{err: errors.New("smtp down")}
	h := newTestHandler(&stubReports{}, mail)

	err := h.HandleReportEvent(context.Background(), events.New(events.ReportCompleted, map[string]interface{}{
		"consultation_id": "c-1", "email": "mei@example.com",
	}))
	assert.Error(t, err)
}

func TestServeWsHandshakeChecks(t *testing.T) {
	known := uuid.New()
	h := newTestHandler(&stubReports{known: known, owner: "mei@example.com"}, &fakeMailer{})
	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	h.RegisterRoutes(app)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "bad id", path: "/ws/report/nope", status: http.StatusBadRequest},
		{name: "unknown", path: "/ws/report/" + uuid.NewString(), status: http.StatusNotFound},
		{name: "plain http", path: "/ws/report/" + known.String(), status: http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
