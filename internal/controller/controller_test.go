package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/internal/repository/memory"
	"fengshui-report-be/internal/service"
	"fengshui-report-be/pkg/events"
	"fengshui-report-be/pkg/idempotency"
	"fengshui-report-be/pkg/payment"
	"fengshui-report-be/pkg/report"
	"fengshui-report-be/pkg/workflow"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "webhook-secret"
	layoutAnswer  = `{"ok":true,"houses":[{"name":"A"}]}`
	energyAnswer  = `{"scores_before":[1,2,3,4,5],"scores_after":[5,4,3,2,1],"dimension_labels":["a","b","c","d","e"],"summary_text":"ok"}`
	reportAnswer  = "# Report\n\nAll good."
)

var renderedPDF = []byte("%PDF-1.4\nrendered")

type nullPublisher struct{}

func (nullPublisher) Publish(ctx context.Context, payload []byte) error { return nil }

type testApp struct {
	app *fiber.App
	wf  *workflow.FakeClient
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	log := logger.NewNopLogger()
	store := memory.NewStore()
	wf := workflow.NewFakeClient()
	cache := idempotency.NewCache(idempotency.NewMemoryStore(time.Hour), time.Hour, nil)
	materializer := report.NewMaterializer(report.RendererFunc(func(ctx context.Context, markdown string) ([]byte, error) {
		return renderedPDF, nil
	}), nil)

	consultations := service.NewConsultationService(store.Factory(), wf, cache, materializer, log, "guest@example.com")
	payments := service.NewPaymentService(store.Factory(), payment.NewFakeGateway(), events.NewLocalBus(), log, service.PaymentOptions{
		Price:         1000,
		WebhookSecret: webhookSecret,
	})
	reports := service.NewReportService(store.Factory(), consultations, nullPublisher{}, log, time.Minute)

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	api := app.Group("/api", serverutils.OptionalJwtMiddleware(jwtSecret))
	NewConsultationController(consultations, reports).RegisterRoutes(api)
	NewPaymentController(payments).RegisterRoutes(api)
	NewPdfController(consultations).RegisterRoutes(api)
	return &testApp{app: app, wf: wf}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *testApp) do(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func (a *testApp) post(t *testing.T, path string, body interface{}, token string) (int, envelope) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return a.do(t, req)
}

func (a *testApp) get(t *testing.T, path, token string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return a.do(t, req)
}

func tokenFor(t *testing.T, email string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func stageBody(fileID string) map[string]interface{} {
	return map[string]interface{}{
		"email": "mei@example.com",
		"essential_inputs": map[string]string{
			"birth_date":         "1990-05-01",
			"gender":             "F",
			"floor_plan_file_id": fileID,
		},
		"house_type": "apartment",
	}
}

func TestUploadFloorPlan(t *testing.T) {
	a := newTestApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "../plan.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("png bytes"))
	require.NoError(t, w.WriteField("email", "mei@example.com"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	status, env := a.do(t, req)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"file_id":"file-1"}`, string(env.Data))

	req = httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	status, _ = a.do(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConsultationJourney(t *testing.T) {
	a := newTestApp(t)
	a.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutAnswer, ConversationID: "conv-1"})
	a.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyAnswer, ConversationID: "conv-1"})
	a.wf.Script(workflow.StageReport, workflow.FakeResponse{Answer: reportAnswer})

	status, env := a.post(t, "/api/layout", stageBody("f1"), "")
	require.Equal(t, http.StatusOK, status, env.Error)
	var layout struct {
		ConsultationId string `json:"consultation_id"`
		Ok             bool   `json:"ok"`
		Cached         bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &layout))
	assert.True(t, layout.Ok)
	assert.False(t, layout.Cached)

	_, env = a.post(t, "/api/layout", stageBody("f1"), "")
	require.NoError(t, json.Unmarshal(env.Data, &layout))
	assert.True(t, layout.Cached)
	assert.Equal(t, 1, a.wf.Calls(workflow.StageLayout))

	status, _ = a.post(t, "/api/energy-summary", stageBody("f1"), "")
	require.Equal(t, http.StatusOK, status)

	status, env = a.post(t, "/api/full-report", stageBody("f1"), "")
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, http.StatusPaymentRequired, env.Code)

	status, env = a.post(t, "/api/payment/checkout", map[string]string{"consultation_id": layout.ConsultationId}, "")
	require.Equal(t, http.StatusOK, status, env.Error)
	var checkout struct {
		OrderId string `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &checkout))

	note := map[string]string{
		"transaction_status": "settlement",
		"order_id":           checkout.OrderId,
		"fraud_status":       "accept",
		"status_code":        "200",
		"gross_amount":       "1000.00",
		"signature_key":      payment.Signature(checkout.OrderId, "200", "1000.00", webhookSecret),
	}
	status, _ = a.post(t, "/api/payment/midtrans/notification", note, "")
	require.Equal(t, http.StatusOK, status)

	note["signature_key"] = "forged"
	status, _ = a.post(t, "/api/payment/midtrans/notification", note, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = a.post(t, "/api/full-report", stageBody("f1"), "")
	require.Equal(t, http.StatusOK, status, env.Error)
	var rep struct {
		ReportContent string `json:"report_content"`
		PdfBase64     string `json:"pdf_base64"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	assert.Equal(t, reportAnswer, rep.ReportContent)
	assert.Equal(t, base64.StdEncoding.EncodeToString(renderedPDF), rep.PdfBase64)

	resp, err := a.app.Test(httptest.NewRequest(http.MethodGet, "/api/pdf/download?consultation_id="+layout.ConsultationId+"&filename=my-home", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get(fiber.HeaderContentType))
	assert.Equal(t, `attachment; filename="my-home.pdf"`, resp.Header.Get(fiber.HeaderContentDisposition))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, renderedPDF, body)

	status, env = a.get(t, "/api/report-status/"+layout.ConsultationId, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"status":"completed"`)

	status, _ = a.get(t, "/api/consultations/"+layout.ConsultationId, tokenFor(t, "mei@example.com"))
	assert.Equal(t, http.StatusOK, status)
	status, _ = a.get(t, "/api/consultations/"+layout.ConsultationId, tokenFor(t, "intruder@example.com"))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStageRequestValidation(t *testing.T) {
	a := newTestApp(t)

	status, _ := a.post(t, "/api/layout", map[string]string{"house_type": "apartment"}, "")
	assert.Equal(t, http.StatusBadRequest, status)

	body := stageBody("f1")
	body["email"] = "not-an-email"
	status, _ = a.post(t, "/api/layout", body, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.get(t, "/api/report-status/nope", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAsyncReportRequiresPayment(t *testing.T) {
	a := newTestApp(t)
	a.wf.Script(workflow.StageLayout, workflow.FakeResponse{Answer: layoutAnswer})
	a.wf.Script(workflow.StageEnergy, workflow.FakeResponse{Answer: energyAnswer})

	status, env := a.post(t, "/api/analyze", stageBody("f1"), "")
	require.Equal(t, http.StatusOK, status, env.Error)

	status, _ = a.post(t, "/api/full-report-async", stageBody("f1"), "")
	assert.Equal(t, http.StatusPaymentRequired, status)
}

func TestPdfDownloadFromBase64(t *testing.T) {
	a := newTestApp(t)

	encoded := base64.StdEncoding.EncodeToString(renderedPDF)
	resp, err := a.app.Test(httptest.NewRequest(http.MethodGet, "/api/pdf/download?base64="+encoded, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="`+defaultPDFName+`"`, resp.Header.Get(fiber.HeaderContentDisposition))

	notPDF := base64.StdEncoding.EncodeToString([]byte("<html>oops</html>"))
	status, _ := a.get(t, "/api/pdf/download?base64="+notPDF, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.get(t, "/api/pdf/download", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPdfFilename(t *testing.T) {
	assert.Equal(t, defaultPDFName, pdfFilename(""))
	assert.Equal(t, "report.pdf", pdfFilename("../../etc/report"))
	assert.Equal(t, "a.PDF", pdfFilename(`a.PDF`))
	assert.Equal(t, "ab.pdf", pdfFilename(`a"b`))
}
