package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"fengshui-report-be/pkg/httpx"
	"fengshui-report-be/pkg/metrics"
	"fengshui-report-be/pkg/sse"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL      string
	LayoutAPIKey string
	ReportAPIKey string
	Timeout      time.Duration
	// Upload is not billed, so it may retry. Stage calls never do.
	UploadRetries int
	Backoff       time.Duration
}

// HTTPClient is the production Client backed by the workflow service's
// chat-messages API in streaming mode.
type HTTPClient struct {
	cfg    Config
	http   *httpx.Client
	logger *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config, hc *httpx.Client, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpx.DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: hc, logger: logger}
}

type chatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	User           string                 `json:"user"`
	Files          []chatFile             `json:"files,omitempty"`
}

type chatFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type uploadResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) apiKey(stage Stage) (string, error) {
	switch stage {
	case StageLayout:
		if c.cfg.LayoutAPIKey == "" {
			return "", &NotConfiguredError{Setting: "WORKFLOW_LAYOUT_API_KEY"}
		}
		return c.cfg.LayoutAPIKey, nil
	case StageEnergy, StageReport:
		if c.cfg.ReportAPIKey == "" {
			return "", &NotConfiguredError{Setting: "WORKFLOW_REPORT_API_KEY"}
		}
		return c.cfg.ReportAPIKey, nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

// Upload sends a floor-plan image and returns the upstream file id.
func (c *HTTPClient) Upload(ctx context.Context, user, filename string, content io.Reader) (string, error) {
	key, err := c.apiKey(StageLayout)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return "", fmt.Errorf("write user field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/files/upload", bytes.NewReader(body.Bytes()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req, httpx.Options{
		Retries: c.cfg.UploadRetries,
		Backoff: c.cfg.Backoff,
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return "", upstreamFromTransport("upload", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &UpstreamError{Stage: "upload", Err: err}
	}
	if resp.StatusCode >= 400 {
		return "", upstreamFromStatus("upload", resp.StatusCode, raw)
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		return "", &UpstreamError{Stage: "upload", Message: "upload response carried no file id"}
	}
	c.logger.Info("floor plan uploaded", zap.String("file_id", out.ID), zap.String("name", out.Name))
	return out.ID, nil
}

// InvokeStage runs one stage. It never retries: every call is billed.
func (c *HTTPClient) InvokeStage(ctx context.Context, stage Stage, in StageInput) (*StageOutput, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "workflow."+string(stage))
	defer span.End()
	span.SetAttributes(attribute.String("workflow.stage", string(stage)))

	out, err := c.invoke(ctx, stage, in)
	if err != nil {
		metrics.StageCalls.WithLabelValues(string(stage), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	outcome := "ok"
	if out.Partial {
		outcome = "partial"
	}
	metrics.StageCalls.WithLabelValues(string(stage), outcome).Inc()
	return out, nil
}

func (c *HTTPClient) invoke(ctx context.Context, stage Stage, in StageInput) (*StageOutput, error) {
	key, err := c.apiKey(stage)
	if err != nil {
		return nil, err
	}

	payload := chatRequest{
		Inputs:         in.Inputs,
		Query:          in.Query,
		ResponseMode:   "streaming",
		ConversationID: in.ConversationID,
		User:           in.User,
	}
	if payload.Inputs == nil {
		payload.Inputs = map[string]interface{}{}
	}
	for _, id := range in.FileIDs {
		payload.Files = append(payload.Files, chatFile{Type: "image", TransferMethod: "local_file", UploadFileID: id})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.http.Do(req, httpx.NoRetry(c.cfg.Timeout))
	if err != nil {
		return nil, upstreamFromTransport(stage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, upstreamFromStatus(stage, resp.StatusCode, raw)
	}

	res, err := sse.Aggregate(resp.Body, c.logger.With(zap.String("stage", string(stage))))
	if err != nil {
		if errors.Is(err, sse.ErrEmptyAnswer) {
			return nil, &UpstreamError{Stage: stage, Message: err.Error(), Err: err}
		}
		return nil, &UpstreamError{Stage: stage, Err: err}
	}

	c.logger.Info("workflow stage finished",
		zap.String("stage", string(stage)),
		zap.String("conversation_id", res.ConversationID),
		zap.Int("answer_len", len(res.FullAnswer)),
		zap.Bool("partial", res.Partial),
		zap.Int("events", res.Diagnostics.Events),
		zap.Duration("elapsed", time.Since(start)))

	return &StageOutput{
		Stage:          stage,
		Answer:         res.FullAnswer,
		ConversationID: res.ConversationID,
		Partial:        res.Partial,
	}, nil
}

func upstreamFromTransport(stage Stage, err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) {
		return &UpstreamError{Stage: stage, StatusCode: se.StatusCode, Message: se.Body, Err: err}
	}
	return &UpstreamError{Stage: stage, Err: err}
}

func upstreamFromStatus(stage Stage, status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var ae apiError
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Message != "" {
		msg = ae.Message
	}
	return &UpstreamError{
		Stage:      stage,
		StatusCode: status,
		Message:    msg,
		Client:     status < 500,
	}
}
