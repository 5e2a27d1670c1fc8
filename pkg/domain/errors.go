package domain

import "errors"

// Common domain errors
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidURL          = errors.New("invalid url")
	ErrUnknownClass        = errors.New("unknown resource class")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrSecretMissing       = errors.New("secret token is not configured")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
	ErrBodyTooLarge        = errors.New("upstream response body too large")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    Reason
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorBody is the payload nested under "error" in every JSON error response.
// It never carries the submitted token, the rejected URL, or the configured pattern.
type ErrorBody struct {
	Code    Reason `json:"code"`               // Machine-readable reason (e.g., unauthorized, invalid_url)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}

// ErrorResponse defines the standard JSON error model returned by the relay endpoints.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
