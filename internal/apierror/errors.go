// Package apierror defines the gateway's caller-facing error taxonomy.
// Every failure surfaced over HTTP maps to a stable code and message;
// internal detail (stack traces, upstream bodies) never leaves the
// process through these.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Error carries the HTTP status and stable code for a surfaced failure.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// ResetAt is set on rate-limit rejections so callers can back off.
	ResetAt int64 `json:"resetAt,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Write emits the {error:{message,code}} envelope.
func Write(w http.ResponseWriter, apiErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]*Error{"error": apiErr})
}

func Unauthorized() *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Invalid or missing API key"}
}

func AuthRateLimited() *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: "AUTH_RATE_LIMITED", Message: "Too many failed authentication attempts. Try again later."}
}

func RateLimited(resetAt time.Time) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: "RATE_LIMITED", Message: "Rate limit exceeded", ResetAt: resetAt.Unix()}
}

func NoProviders() *Error {
	return &Error{Status: http.StatusBadRequest, Code: "NO_PROVIDERS", Message: "No providers connected for this farmer. Connect a provider in the dashboard first."}
}

func AmbiguousProvider(connected []string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    "AMBIGUOUS_PROVIDER",
		Message: fmt.Sprintf("Multiple providers connected. Specify 'provider' in arguments: %s", strings.Join(connected, ", ")),
	}
}

func ProviderNotConnected(provider string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    "PROVIDER_NOT_CONNECTED",
		Message: fmt.Sprintf("Provider '%s' is not connected for this farmer", provider),
	}
}

func ProviderNotFound(provider string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("Unknown provider: %s", provider),
	}
}

func NotImplemented(provider string) *Error {
	return &Error{
		Status:  http.StatusNotImplemented,
		Code:    "NOT_IMPLEMENTED",
		Message: fmt.Sprintf("Provider not yet supported: %s", provider),
	}
}

func Validation(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: message}
}

func ReauthRequired() *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "REAUTH_REQUIRED", Message: "Connection requires re-authentication. Please reconnect via the dashboard."}
}

func Forbidden() *Error {
	return &Error{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "Forbidden"}
}

func Internal() *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error"}
}
