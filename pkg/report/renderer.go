package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fengshui-report-be/pkg/httpx"

	"go.uber.org/zap"
)

// maxPDFBytes bounds a rendered document read into memory.
const maxPDFBytes = 32 << 20

// Renderer converts markdown into a PDF document.
type Renderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
}

type RendererConfig struct {
	URL     string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// HTTPRenderer posts markdown to an external conversion service and reads
// the PDF bytes from the response body. Rendering has no side effects, so
// it retries transient failures.
type HTTPRenderer struct {
	cfg    RendererConfig
	http   *httpx.Client
	logger *zap.Logger
}

var _ Renderer = (*HTTPRenderer)(nil)

func NewHTTPRenderer(cfg RendererConfig, hc *httpx.Client, logger *zap.Logger) *HTTPRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRenderer{cfg: cfg, http: hc, logger: logger}
}

type renderRequest struct {
	Markdown string `json:"markdown"`
}

func (r *HTTPRenderer) Render(ctx context.Context, markdown string) ([]byte, error) {
	if r.cfg.URL == "" {
		return nil, ErrRendererUnavailable
	}
	body, err := json.Marshal(renderRequest{Markdown: markdown})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.http.Do(req, httpx.Options{Retries: r.cfg.Retries, Backoff: r.cfg.Backoff, Timeout: r.cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render pdf: renderer returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("read rendered pdf: %w", err)
	}
	r.logger.Debug("pdf rendered", zap.Int("bytes", len(pdf)))
	return pdf, nil
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, markdown string) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, markdown string) ([]byte, error) {
	return f(ctx, markdown)
}
