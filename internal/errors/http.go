// Package errors maps service errors onto gofulmen error envelopes served as
// JSON HTTP error responses.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodePlanFailed         = "PLAN_FAILED"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorResponse is the JSON body of every error response. The request
// ID travels as the envelope's correlation ID.
type HTTPErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// HTTPError carries the status and code an error should be reported with.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with details set.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

// New returns an HTTPError.
func New(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Err: err}
}

// BadRequest reports a malformed request.
func BadRequest(message string, err error) *HTTPError {
	return New(http.StatusBadRequest, CodeBadRequest, message, err)
}

// Validation reports a request that parsed but failed validation.
func Validation(message string, err error) *HTTPError {
	return New(http.StatusUnprocessableEntity, CodeValidation, message, err)
}

// NotFound reports a missing resource.
func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

// Internal reports an unexpected failure.
func Internal(err error) *HTTPError {
	return New(http.StatusInternalServerError, CodeInternal, "internal server error", err)
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying a request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID in ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Envelope builds the response envelope for e. Server errors are reported
// with high severity, client errors with low.
func (e *HTTPError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	message := e.Message
	if e.Status != http.StatusInternalServerError && e.Err != nil {
		message = e.Error()
	}

	severity := gferrors.SeverityLow
	if e.Status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}

	env := gferrors.NewErrorEnvelope(e.Code, message)
	env, _ = env.WithSeverity(severity)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(e.Details) > 0 {
		env = env.WithDetails(e.Details)
	}
	return env
}

// RespondWithError writes err as a JSON error response. Errors that are
// not HTTPErrors are reported as internal errors without their message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !errors.As(err, &he) {
		he = Internal(err)
	}

	var requestID string
	if r != nil {
		requestID = RequestIDFrom(r.Context())
	}
	env := he.Envelope(requestID)
	if r != nil {
		env, _ = env.WithContext(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": he.Status,
		})
	}
	WriteErrorResponse(w, he.Status, env)
}

// WriteErrorResponse writes env with status.
func WriteErrorResponse(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: env})
}
