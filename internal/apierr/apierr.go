// Package apierr defines the ten error families of spec.md §7 and the
// envelope every component returns them in. Only the HTTP adapter
// (internal/handlers) turns these into status codes and response bodies;
// every other package returns *Error unchanged.
package apierr

import "fmt"

// Family is one of spec.md §7's ten subsystem error families.
type Family string

const (
	FamilyAuth       Family = "auth"       // authentication failures
	FamilyAuthz      Family = "authz"      // authorization failures
	FamilyRateLimit  Family = "rate_limit" // rate-limit violations
	FamilyNotFound   Family = "not_found"  // resource-not-found
	FamilyConflict   Family = "conflict"   // resource-conflict
	FamilyValidation Family = "validation" // validation errors
	FamilyUpstream   Family = "upstream"   // upstream-inference errors
	FamilyStore      Family = "store"      // store errors
	FamilyEmbedding  Family = "embedding"  // embedding-backend errors
	FamilyInternal   Family = "internal"   // internal errors
)

// Error carries a stable code, an HTTP status the adapter may use verbatim,
// a user-facing message and suggestion, and the wrapped cause. The cause is
// reachable through Error() and Unwrap(); the HTTP responses built by
// internal/handlers carry only code, message and suggestion and do not
// include it in any environment.
type Error struct {
	Family     Family
	Code       string
	Status     int
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Family)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(family Family, status int, code, message, suggestion string, cause error) *Error {
	return &Error{Family: family, Status: status, Code: code, Message: message, Suggestion: suggestion, Err: cause}
}

func Auth(code, message string, cause error) *Error {
	return New(FamilyAuth, 401, code, message, actionableSuggestion(FamilyAuth, code), cause)
}
func Authz(code, message string, cause error) *Error {
	return New(FamilyAuthz, 403, code, message, actionableSuggestion(FamilyAuthz, code), cause)
}
func RateLimit(code, message string, cause error) *Error {
	return New(FamilyRateLimit, 429, code, message, actionableSuggestion(FamilyRateLimit, code), cause)
}
func NotFound(code, message string, cause error) *Error {
	return New(FamilyNotFound, 404, code, message, actionableSuggestion(FamilyNotFound, code), cause)
}
func Conflict(code, message string, cause error) *Error {
	return New(FamilyConflict, 409, code, message, actionableSuggestion(FamilyConflict, code), cause)
}
func Validation(code, message string, cause error) *Error {
	return New(FamilyValidation, 400, code, message, actionableSuggestion(FamilyValidation, code), cause)
}
func Upstream(code, message string, cause error) *Error {
	return New(FamilyUpstream, 502, code, message, actionableSuggestion(FamilyUpstream, code), cause)
}
func Store(code, message string, cause error) *Error {
	return New(FamilyStore, 500, code, message, actionableSuggestion(FamilyStore, code), cause)
}
func Embedding(code, message string, cause error) *Error {
	return New(FamilyEmbedding, 500, code, message, actionableSuggestion(FamilyEmbedding, code), cause)
}
func Internal(code, message string, cause error) *Error {
	return New(FamilyInternal, 500, code, message, actionableSuggestion(FamilyInternal, code), cause)
}

// actionableSuggestion supplements spec.md §7's call for "an actionable
// suggestion" per error, filled in from the generic shape of
// original_source/apps/backend/api/error_codes.py (family-level defaults;
// the original's much larger enum of per-code strings isn't reproduced).
func actionableSuggestion(f Family, code string) string {
	switch f {
	case FamilyAuth:
		return "sign in again or refresh your access token"
	case FamilyAuthz:
		return "ask a team admin to grant the required permission"
	case FamilyRateLimit:
		return "slow down and retry after the window resets"
	case FamilyNotFound:
		return "check the resource id and that it has not been deleted"
	case FamilyConflict:
		return "reload the resource and retry with current state"
	case FamilyValidation:
		return "fix the highlighted fields and resubmit"
	case FamilyUpstream:
		return "retry shortly; the inference server may be unavailable"
	case FamilyStore:
		return "retry the operation; if it persists, contact an administrator"
	case FamilyEmbedding:
		return "no action needed — results degrade gracefully to a fallback embedding"
	default:
		return "contact an administrator if this persists"
	}
}

// IsProduction reports whether environment is "production". The response
// path does not call it: Err detail is not sent to clients in any
// environment.
func IsProduction(environment string) bool {
	return environment == "production"
}
