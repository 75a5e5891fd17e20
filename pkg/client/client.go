// Package client talks to the report endpoints of a running server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fengshui-report-be/pkg/httpx"
	"fengshui-report-be/pkg/report"

	"go.uber.org/zap"
)

// ErrPollTimeout is returned when a report does not finish in time.
var ErrPollTimeout = errors.New("client: report did not finish before the deadline")

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Report struct {
	ReportContent string `json:"report_content"`
	PdfBase64     string `json:"pdf_base64"`
}

type ReportStatus struct {
	ConsultationID string  `json:"consultation_id"`
	Status         string  `json:"status"`
	Report         *Report `json:"report,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (s *ReportStatus) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

type Options struct {
	BaseURL string
	Token   string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

type Client struct {
	opts Options
	http *httpx.Client
}

func New(opts Options, hc *httpx.Client, logger *zap.Logger) *Client {
	if hc == nil {
		hc = httpx.NewClient(logger)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{opts: opts, http: hc}
}

// get issues an idempotent GET, so transient failures are retried.
func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.opts.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	resp, err := c.http.Do(req, httpx.Options{Retries: c.opts.Retries, Backoff: c.opts.Backoff, Timeout: c.opts.Timeout})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// ReportStatus fetches the current job status of a consultation.
func (c *Client) ReportStatus(ctx context.Context, consultationID string) (*ReportStatus, error) {
	resp, err := c.get(ctx, "/api/report-status/"+url.PathEscape(consultationID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env struct {
		Data ReportStatus `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode report status: %w", err)
	}
	return &env.Data, nil
}

// WaitForReport polls until the job is completed or failed. It returns
// ErrPollTimeout when ctx expires first.
func (c *Client) WaitForReport(ctx context.Context, consultationID string, interval time.Duration) (*ReportStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.ReportStatus(ctx, consultationID)
		switch {
		case err == nil && status.Done():
			return status, nil
		case err != nil && ctx.Err() == nil:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrPollTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DownloadPDF fetches the stored report PDF of a consultation.
func (c *Client) DownloadPDF(ctx context.Context, consultationID string) ([]byte, error) {
	resp, err := c.get(ctx, "/api/pdf/download", url.Values{"consultation_id": {consultationID}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if !report.IsPDF(b) {
		return nil, report.ErrInvalidPDF
	}
	return b, nil
}
