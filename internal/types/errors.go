package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Callers match on these rather than on message text.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationAmount       ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidID    ErrorCode = "validation_invalid_identifier"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"
	ErrCodeValidationPlanCatalog  ErrorCode = "validation_invalid_plan_catalog"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundAccount ErrorCode = "not_found_account"
	ErrCodeNotFoundServer  ErrorCode = "not_found_server"
	ErrCodeNotFoundNode    ErrorCode = "not_found_node"
	ErrCodeNotFoundRoute   ErrorCode = "not_found_route"

	// Conflict (409)
	ErrCodeConflictNoAllocation ErrorCode = "conflict_no_free_allocation"
	ErrCodeConflictPassRunning  ErrorCode = "conflict_pass_in_progress"
	ErrCodeConflictSameNode     ErrorCode = "conflict_same_node"
	ErrCodeConflictMaintenance  ErrorCode = "conflict_node_maintenance"

	// Reconciliation anomalies. These require remediation but are not
	// hard failures of a pass.
	ErrCodeAnomalyUnmatchedPlan ErrorCode = "anomaly_unmatched_plan"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamTransient   ErrorCode = "upstream_transient"
	ErrCodeUpstreamError       ErrorCode = "upstream_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "anomaly_"):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard error type used throughout the module. Domain,
// store and client errors are all expressed as AppError so that callers can
// classify them with errors.As and so the API layer can map them to HTTP.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewUpstreamError builds the error returned for a non-retryable provisioning
// API response. The status code is carried in Details so callers can inspect
// it without parsing the message.
func NewUpstreamError(operation string, statusCode int, body string) *AppError {
	return &AppError{
		Code:    ErrCodeUpstreamError,
		Message: fmt.Sprintf("%s returned %d", operation, statusCode),
		Err:     fmt.Errorf("%s: upstream status %d: %s", operation, statusCode, body),
		Details: map[string]any{"status_code": statusCode, "operation": operation},
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or the
// empty string if there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err's chain contains an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// UpstreamStatus extracts the HTTP status code recorded on an upstream error.
func UpstreamStatus(err error) (int, bool) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Details == nil {
		return 0, false
	}
	code, ok := appErr.Details["status_code"].(int)
	return code, ok
}

// IsStoreFailure reports whether err means the ledger itself could not be
// reached or queried. Such failures abort a whole pass, since no billing
// decision can be trusted without the ledger.
func IsStoreFailure(err error) bool {
	return IsCode(err, ErrCodeInternalDB)
}
