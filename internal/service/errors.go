package service

import (
	"net/http"
)

// statusError is a service failure with a fixed HTTP status.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) HTTPStatus() int { return e.status }

var (
	ErrConsultationNotFound error = &statusError{http.StatusNotFound, "consultation not found"}
	ErrPaymentRequired      error = &statusError{http.StatusPaymentRequired, "payment has not been confirmed for this consultation"}
	ErrAlreadyPaid          error = &statusError{http.StatusConflict, "consultation is already paid"}
	ErrLayoutNotReady       error = &statusError{http.StatusConflict, "layout analysis has not completed successfully"}
	ErrEnergyNotReady       error = &statusError{http.StatusConflict, "energy summary has not completed successfully"}
	ErrReportInProgress     error = &statusError{http.StatusConflict, "report is already being generated"}
	ErrReportNotReady       error = &statusError{http.StatusConflict, "report has not been generated yet"}
	ErrMissingInputs        error = &statusError{http.StatusBadRequest, "consultation_id or essential_inputs is required"}
	ErrInvalidSignature     error = &statusError{http.StatusBadRequest, "invalid notification signature"}
	ErrUnknownOrder         error = &statusError{http.StatusNotFound, "payment order not found"}
)
