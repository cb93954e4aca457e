package engine

import "fmt"

// Error codes surfaced to interaction handlers.
const (
	CodeConflict            = "CONFLICT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeDuplicateExternalID = "DUPLICATE_EXTERNAL_ID"
	CodeInvalidInput        = "INVALID_INPUT"
	CodePlatformRateLimited = "PLATFORM_RATE_LIMITED"
	CodePlatformForbidden   = "PLATFORM_FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
)

type DomainError struct {
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(code, message string, details any) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
