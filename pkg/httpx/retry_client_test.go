package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() (*Client, *[]time.Duration) {
	c := NewClient(nil)
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestRetriesExhaustOnPersistent5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	c, waits := newTestClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req, Options{Retries: 2, Backoff: 100 * time.Millisecond, Timeout: time.Second})

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "busy", se.Body)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *waits)
}

func TestZeroBackoffUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, waits := newTestClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req, Options{Retries: 2, Timeout: time.Second})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{DefaultBackoff, 2 * DefaultBackoff}, *waits)
}

func TestRetryRecoversAfterOne5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok:" + string(body)))
	}))
	defer srv.Close()

	c, _ := newTestClient()
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	resp, err := c.Do(req, Options{Retries: 2, Backoff: time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, "ok:payload", string(body))
}

func TestNoRetryNeverSendsTwice(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"5xx": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"reset": func(w http.ResponseWriter, r *http.Request) {
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetLinger(0)
			}
			_ = conn.Close()
		},
		"slow": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				h(w, r)
			}))
			defer srv.Close()

			c, _ := newTestClient()
			req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
			_, err := c.Do(req, NoRetry(200*time.Millisecond))
			require.Error(t, err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		})
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid inputs"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req, Options{Retries: 3, Timeout: time.Second})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTimeoutCountsAsFailedAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req, Options{Retries: 1, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCanceledParentStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(nil)
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := c.Do(req, Options{Retries: 5, Backoff: time.Second, Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&net.DNSError{Err: "server misbehaving", IsTemporary: true}))
	assert.False(t, IsTransient(&net.DNSError{Err: "no such host", IsNotFound: true}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("x509: certificate signed by unknown authority")))
	assert.False(t, IsTransient(nil))
}
