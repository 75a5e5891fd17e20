package workflow

import (
	"errors"
	"fmt"
	"net/http"

	"fengshui-report-be/pkg/sse"
)

// ErrNotConfigured is returned when the API key for a stage is missing.
var ErrNotConfigured = errors.New("workflow service is not configured")

// NotConfiguredError names the missing setting.
type NotConfiguredError struct {
	Setting string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%s: %s is empty", ErrNotConfigured, e.Setting)
}

func (e *NotConfiguredError) Unwrap() error { return ErrNotConfigured }

func (e *NotConfiguredError) HTTPStatus() int { return http.StatusServiceUnavailable }

// UpstreamError wraps every failure talking to the workflow service.
// Client is true when upstream rejected the request with a 4xx.
type UpstreamError struct {
	Stage      Stage
	StatusCode int
	Message    string
	Client     bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("workflow %s: upstream status %d: %s", e.Stage, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("workflow %s: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("workflow %s: %s", e.Stage, e.Message)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) HTTPStatus() int {
	if e.Client {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// IsEmptyAnswer reports whether err is the "nothing usable" failure class.
func IsEmptyAnswer(err error) bool {
	return errors.Is(err, sse.ErrEmptyAnswer)
}
