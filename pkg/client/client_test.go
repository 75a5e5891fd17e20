package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fengshui-report-be/pkg/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Options{BaseURL: srv.URL + "/", Token: "tok", Retries: 1, Backoff: time.Millisecond}, nil, nil)
}

func TestReportStatusDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/report-status/abc", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true,"code":200,"data":{"consultation_id":"abc","status":"completed","report":{"report_content":"# hi"}}}`))
	}))
	defer srv.Close()

	status, err := newTestClient(srv).ReportStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, status.Done())
	require.NotNil(t, status.Report)
	assert.Equal(t, "# hi", status.Report.ReportContent)
}

func TestReportStatusSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"error":"consultation not found"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ReportStatus(context.Background(), "abc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "consultation not found", apiErr.Message)
}

func TestWaitForReportPollsUntilDone(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			_, _ = w.Write([]byte(`{"data":{"status":"processing"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"status":"failed","error":"upstream closed"}}`))
	}))
	defer srv.Close()

	status, err := newTestClient(srv).WaitForReport(context.Background(), "abc", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, "upstream closed", status.Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWaitForReportTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"processing"}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv).WaitForReport(ctx, "abc", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestDownloadPDFRejectsNonPDF(t *testing.T) {
	body := []byte("%PDF-1.4 ok")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("consultation_id"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	got, err := c.DownloadPDF(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, body, got)

	body = []byte("<html>")
	_, err = c.DownloadPDF(context.Background(), "abc")
	assert.ErrorIs(t, err, report.ErrInvalidPDF)
}
