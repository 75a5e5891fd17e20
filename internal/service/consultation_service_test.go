package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/repository/memory"
	"fengshui-report-be/pkg/events"
	"fengshui-report-be/pkg/idempotency"
	"fengshui-report-be/pkg/payment"
	"fengshui-report-be/pkg/report"
	"fengshui-report-be/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	layoutOK     = `{"ok":true,"houses":[{"name":"A","rooms":["kitchen","bedroom"]}]}`
	layoutUnread = `{"ok":false,"error_message_for_user":"floor plan is unreadable"}`
	energyOK     = "```json\n{\"scores_before\":[60,61,62,63,64],\"scores_after\":[80,81,82,83,84],\"dimension_labels\":[\"wealth\",\"career\",\"health\",\"relationships\",\"study\"],\"summary_text\":\"balanced\"}\n```"
	reportAnswer = "# Consultation report\n\nMove the desk to the north-east corner."
	secret       = "webhook-secret"
)

var fakePDF = []byte("%PDF-1.7\nfake document body")

type harness struct {
	store    *memory.Store
	wf       *workflow.FakeClient
	bus      *events.LocalBus
	gateway  *payment.FakeGateway
	svc      IConsultationService
	payments IPaymentService
	renders  int32
}

func nopLogger() logger.ILogger { return logger.NewNopLogger() }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		wf:      workflow.NewFakeClient(),
		bus:     events.NewLocalBus(),
		gateway: payment.NewFakeGateway(),
	}
	cache := idempotency.NewCache(idempotency.NewMemoryStore(time.Hour), time.Hour, nil)
	materializer := report.NewMaterializer(report.RendererFunc(func(ctx context.Context, markdown string) ([]byte, error) {
		atomic.AddInt32(&h.renders, 1)
		return fakePDF, nil
	}), nil)
	log := nopLogger()

	h.svc = NewConsultationService(h.store.Factory(), h.wf, cache, materializer, log, "guest@example.com")
	h.payments = NewPaymentService(h.store.Factory(), h.gateway, h.bus, log, PaymentOptions{
		Price:         1000,
		WebhookSecret: secret,
	})
	return h
}

func layoutRequest(email, fileID string) *dto.LayoutRequest {
	return &dto.LayoutRequest{StageRequest: dto.StageRequest{
		Email: email,
		EssentialInputs: &dto.EssentialInputsRequest{
			BirthDate:       "1990-05-01",
			Gender:          "男",
			FloorPlanFileId: fileID,
		},
		HouseType: "apartment",
	}}
}

// pay runs checkout and a settlement notification for consultation id.
func (h *harness) pay(t *testing.T, req dto.StageRequest) {
	t.Helper()
	ctx := context.Background()
	c, err := h.svc.Locate(ctx, &req)
	require.NoError(t, err)
	checkout, err := h.payments.Checkout(ctx, "", &dto.CheckoutRequest{ConsultationId: c.Id})
	require.NoError(t, err)
	res, err := h.payments.HandleNotification(ctx, settlement(checkout.OrderId.String()))
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func settlement(orderID string) *dto.MidtransWebhookRequest {
	return &dto.MidtransWebhookRequest{
		TransactionStatus: "settlement",
		OrderId:           orderID,
		FraudStatus:       "accept",
		StatusCode:        "200",
		GrossAmount:       "1000.00",
		SignatureKey:      payment.Signature(orderID, "200", "1000.00", secret),
	}
}

func TestResubmissionServesLayoutFromCache(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK, ConversationID: "conv-layout"})
	ctx := context.Background()

	first, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, first.Ok)
	assert.False(t, first.Cached)
	assert.JSONEq(t, `[{"name":"A","rooms":["kitchen","bedroom"]}]`, string(first.Houses))

	second, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ConsultationId, second.ConsultationId)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))

	// Gender aliases hash the same.
	req := layoutRequest("a@b.c", "f123")
	req.EssentialInputs.Gender = "male"
	third, err := h.svc.AnalyzeLayout(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))
}

func TestChangedFloorPlanMissesCache(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	ctx := context.Background()

	first, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	second, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f124"))
	require.NoError(t, err)

	assert.False(t, second.Cached)
	assert.NotEqual(t, first.ConsultationId, second.ConsultationId)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))

	// Switching back is served by the stored consultation.
	again, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, first.ConsultationId, again.ConsultationId)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))
}

func TestOwnersDoNotShareResults(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	ctx := context.Background()

	a, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	b, err := h.svc.AnalyzeLayout(ctx, layoutRequest("", "f123"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ConsultationId, b.ConsultationId)
	assert.False(t, b.Cached)

	shown, err := h.svc.Show(ctx, b.ConsultationId)
	require.NoError(t, err)
	assert.Equal(t, "guest@example.com", shown.Email)
}

func TestHouseTypesDoNotShareResults(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	ctx := context.Background()

	apartment, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)

	req := layoutRequest("a@b.c", "f123")
	req.HouseType = "villa"
	villa, err := h.svc.AnalyzeLayout(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, apartment.ConsultationId, villa.ConsultationId)
	assert.False(t, villa.Cached)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))
	in, ok := h.wf.LastInput(workflow.StageLayout)
	require.True(t, ok)
	assert.Equal(t, "villa", in.Inputs["house_type"])

	// Each house type keeps its own cached result.
	again, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, apartment.ConsultationId, again.ConsultationId)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))
}

func TestLayoutBusinessFailureIsCachedUntilRetry(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout,
		workflow.FakeResponse{Answer: layoutUnread},
		workflow.FakeResponse{Answer: layoutOK},
	)
	ctx := context.Background()

	res, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Equal(t, "floor plan is unreadable", res.ErrorMessageForUser)

	res, err = h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))

	retry := layoutRequest("a@b.c", "f123")
	retry.Retry = true
	res, err = h.svc.AnalyzeLayout(ctx, retry)
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))

	shown, err := h.svc.Show(ctx, res.ConsultationId)
	require.NoError(t, err)
	assert.Equal(t, string(entity.StateLayoutComplete), shown.State)
}

func TestTransportFailureIsNotCached(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout,
		workflow.FakeResponse{Err: &workflow.UpstreamError{Stage: workflow.StageLayout, StatusCode: 502, Message: "bad gateway"}},
		workflow.FakeResponse{Answer: layoutOK},
	)
	ctx := context.Background()

	_, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	var ue *workflow.UpstreamError
	require.True(t, errors.As(err, &ue))

	c, err := h.svc.Locate(ctx, &layoutRequest("a@b.c", "f123").StageRequest)
	require.NoError(t, err)
	assert.Equal(t, entity.StateError, c.State)
	assert.Equal(t, "layout", c.FailedStage)

	res, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, h.wf.Calls(workflow.StageLayout))
}

func TestInvalidInputsAreRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AnalyzeLayout(ctx, &dto.LayoutRequest{})
	assert.ErrorIs(t, err, ErrMissingInputs)

	req := layoutRequest("a@b.c", "f123")
	req.EssentialInputs.BirthDate = "01/05/1990"
	_, err = h.svc.AnalyzeLayout(ctx, req)
	assert.ErrorIs(t, err, entity.ErrInvalidBirthDate)

	_, err = h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", ""))
	assert.ErrorIs(t, err, entity.ErrMissingFloorPlan)
	assert.Equal(t, 0, h.wf.Calls(workflow.StageLayout))
}

func TestEnergyRequiresSuccessfulLayout(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutUnread})
	ctx := context.Background()

	layout, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)

	_, err = h.svc.EnergySummary(ctx, &dto.EnergyRequest{
		StageRequest:     dto.StageRequest{ConsultationId: layout.ConsultationId.String()},
		LayoutResultJson: []byte(layoutOK),
	})
	assert.ErrorIs(t, err, ErrLayoutNotReady)
	assert.Equal(t, 0, h.wf.Calls(workflow.StageEnergy))
}

func TestAnalyzeKeepsLayoutWhenEnergyFails(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	h.wf.Script(workflow.StageEnergy,
		workflow.FakeResponse{Err: &workflow.UpstreamError{Stage: workflow.StageEnergy, Message: "stream dropped"}},
		workflow.FakeResponse{Answer: energyOK, ConversationID: "conv-energy"},
	)
	ctx := context.Background()

	res, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, res.Layout.Ok)
	assert.Nil(t, res.Energy)
	require.NotNil(t, res.EnergyError)
	assert.Equal(t, "energy", res.EnergyError.Stage)
	assert.True(t, res.EnergyError.Retryable)

	shown, err := h.svc.Show(ctx, res.Layout.ConsultationId)
	require.NoError(t, err)
	assert.Equal(t, string(entity.StateError), shown.State)
	assert.Equal(t, "energy", shown.FailedStage)
	require.NotNil(t, shown.Layout)
	assert.True(t, shown.Layout.Ok)

	res, err = h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, res.Layout.Cached)
	require.NotNil(t, res.Energy)
	assert.Len(t, res.Energy.ScoresBefore, workflow.DimensionCount)
	assert.Equal(t, "balanced", res.Energy.SummaryText)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))
	assert.Equal(t, 2, h.wf.Calls(workflow.StageEnergy))

	in, ok := h.wf.LastInput(workflow.StageEnergy)
	require.True(t, ok)
	assert.Contains(t, in.Inputs["layout_result"], `"houses"`)
}

func TestGenerateReportRequiresPayment(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	h.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyOK})
	ctx := context.Background()

	res, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)

	_, err = h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: dto.StageRequest{
		ConsultationId: res.Layout.ConsultationId.String(),
	}})
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.Equal(t, 0, h.wf.Calls(workflow.StageReport))
}

func TestFullConsultationFlow(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	h.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyOK, ConversationID: "conv-energy"})
	h.wf.Script(workflow.StageReport, workflow.FakeResponse{Answer: reportAnswer, ConversationID: "conv-energy"})
	ctx := context.Background()

	analyzed, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	require.NotNil(t, analyzed.Energy)

	req := dto.StageRequest{Email: "a@b.c", ConsultationId: analyzed.Layout.ConsultationId.String()}
	h.pay(t, req)

	first, err := h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: req})
	require.NoError(t, err)
	assert.Equal(t, reportAnswer, first.ReportContent)
	assert.False(t, first.Cached)
	pdf, err := report.DecodePDF(first.PdfBase64)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, pdf)

	in, ok := h.wf.LastInput(workflow.StageReport)
	require.True(t, ok)
	assert.Equal(t, "conv-energy", in.ConversationID)
	assert.Contains(t, in.Inputs["energy_result"], "balanced")

	second, err := h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: req})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.PdfBase64, second.PdfBase64)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageReport))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.renders))

	got, err := h.svc.ReportPDF(ctx, analyzed.Layout.ConsultationId)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, got)

	// Re-running earlier stages after payment hits the cache.
	again, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	assert.True(t, again.Layout.Cached)
	assert.True(t, again.Energy.Cached)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))
	assert.Equal(t, 1, h.wf.Calls(workflow.StageEnergy))
}

func TestReportFailureCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	h.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyOK})
	h.wf.Script(workflow.StageReport,
		workflow.FakeResponse{Err: &workflow.UpstreamError{Stage: workflow.StageReport, Message: "timeout"}},
		workflow.FakeResponse{Answer: reportAnswer},
	)
	ctx := context.Background()

	analyzed, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	req := dto.StageRequest{ConsultationId: analyzed.Layout.ConsultationId.String()}
	h.pay(t, req)

	_, err = h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: req})
	require.Error(t, err)
	c, err := h.svc.Locate(ctx, &req)
	require.NoError(t, err)
	assert.Equal(t, entity.ReportStatusFailed, c.ReportStatus)
	assert.NotEmpty(t, c.ReportError)

	res, err := h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: req})
	require.NoError(t, err)
	assert.Equal(t, reportAnswer, res.ReportContent)
}

func TestEmbeddedPDFSkipsRenderer(t *testing.T) {
	h := newHarness(t)
	encoded, err := report.EncodePDF(fakePDF)
	require.NoError(t, err)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	h.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyOK})
	h.wf.Script(workflow.StageReport, workflow.FakeResponse{Answer: reportAnswer + "\n\n" + report.EmbeddedPDFMarker + encoded})
	ctx := context.Background()

	analyzed, err := h.svc.Analyze(ctx, layoutRequest("a@b.c", "f123"))
	require.NoError(t, err)
	req := dto.StageRequest{ConsultationId: analyzed.Layout.ConsultationId.String()}
	h.pay(t, req)

	res, err := h.svc.GenerateReport(ctx, &dto.FullReportRequest{StageRequest: req})
	require.NoError(t, err)
	assert.Equal(t, encoded, res.PdfBase64)
	assert.NotContains(t, res.ReportContent, report.EmbeddedPDFMarker)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.renders))
}

func TestConcurrentIdenticalLayoutCallsInvokeOnce(t *testing.T) {
	h := newHarness(t)
	h.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutOK})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.AnalyzeLayout(ctx, layoutRequest("a@b.c", "f123"))
			if assert.NoError(t, err) {
				ids <- res.ConsultationId.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, h.wf.Calls(workflow.StageLayout))
}
