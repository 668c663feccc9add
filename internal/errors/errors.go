// Package errors defines the failure taxonomy of the sync engine.
//
// Aggregation failures are recovered locally by falling through to the next
// tier; write failures are logged and never abort local state updates; channel
// disconnects are retried by the realtime channel. Only exhaustion of every
// aggregation tier reaches the rendering layer, as an explicit empty state.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategorySourceUnavailable: a tier's call failed or returned non-success
	CategorySourceUnavailable ErrorCategory = "source_unavailable"
	// CategoryIncompleteData: a tier answered but its result must not be trusted
	CategoryIncompleteData ErrorCategory = "incomplete_data"
	// CategoryWriteFailure: agent delete/pause/resume/sync or position close failed
	CategoryWriteFailure ErrorCategory = "write_failure"
	// CategoryChannelDisconnect: the push channel dropped or could not connect
	CategoryChannelDisconnect ErrorCategory = "channel_disconnect"
	// CategoryExhausted: every aggregation tier failed
	CategoryExhausted ErrorCategory = "exhausted"
	// CategoryValidation represents caller input errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents lookups of unknown agents/positions/wallets
	CategoryNotFound ErrorCategory = "not_found"
)

// ErrAllTiersExhausted is the cause attached to every Exhausted error.
var ErrAllTiersExhausted = stderrors.New("all aggregation tiers exhausted")

// CategorizedError represents an error with a category and stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// SourceUnavailable reports that a tier's network call failed.
func SourceUnavailable(tier string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategorySourceUnavailable,
		Code:     "SOURCE_UNAVAILABLE",
		Message:  fmt.Sprintf("source unavailable: %s", tier),
		Cause:    cause,
		Details:  map[string]interface{}{"tier": tier},
	}
}

// IncompleteData reports that a tier answered with data that must not be trusted.
func IncompleteData(tier, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIncompleteData,
		Code:     "INCOMPLETE_DATA",
		Message:  fmt.Sprintf("incomplete data from %s: %s", tier, reason),
		Details:  map[string]interface{}{"tier": tier, "reason": reason},
	}
}

// WriteFailure reports a failed backend write.
func WriteFailure(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryWriteFailure,
		Code:     "WRITE_FAILURE",
		Message:  fmt.Sprintf("write failed: %s", operation),
		Cause:    cause,
		Details:  map[string]interface{}{"operation": operation},
	}
}

// ChannelDisconnect reports a dropped or failed push channel connection.
func ChannelDisconnect(cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryChannelDisconnect,
		Code:     "CHANNEL_DISCONNECT",
		Message:  "realtime channel disconnected",
		Cause:    cause,
	}
}

// Exhausted reports that no aggregation tier produced a snapshot.
func Exhausted(wallet string, last error) *CategorizedError {
	cause := ErrAllTiersExhausted
	if last != nil {
		cause = fmt.Errorf("%w: %w", ErrAllTiersExhausted, last)
	}
	return &CategorizedError{
		Category: CategoryExhausted,
		Code:     "ALL_TIERS_EXHAUSTED",
		Message:  fmt.Sprintf("no portfolio source available for %s", wallet),
		Cause:    cause,
		Details:  map[string]interface{}{"wallet": wallet},
	}
}

// InvalidInput reports a malformed caller argument.
func InvalidInput(param, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_INPUT",
		Message:  fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details:  map[string]interface{}{"parameter": param, "reason": reason},
	}
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details:  map[string]interface{}{"resource": resource, "id": id},
	}
}

// CategoryOf returns the category of err, or "" when err is uncategorized.
func CategoryOf(err error) ErrorCategory {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category
	}
	return ""
}

// IsFallthrough reports whether err should make the aggregator try the next tier.
func IsFallthrough(err error) bool {
	switch CategoryOf(err) {
	case CategorySourceUnavailable, CategoryIncompleteData:
		return true
	default:
		return false
	}
}

// IsExhausted reports whether err is total aggregation exhaustion.
func IsExhausted(err error) bool {
	return stderrors.Is(err, ErrAllTiersExhausted)
}

// HTTPStatus maps an error onto the local API's status codes.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategorySourceUnavailable, CategoryIncompleteData, CategoryExhausted:
		return http.StatusServiceUnavailable
	case CategoryWriteFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable error code for API responses.
func Code(err error) string {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Code
	}
	return "INTERNAL_ERROR"
}
