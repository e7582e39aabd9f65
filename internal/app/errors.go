package app

import (
	"fmt"
	"net/http"
)

// DomainError is the typed failure vocabulary every core operation signals
// with. Message is caller-safe; Details is internal debug context that is
// logged at the boundary and never sent to clients.
type DomainError struct {
	Status  int
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

func notFound(what string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found", what),
		Details: details,
	}
}

func invalidInput(what string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_INPUT",
		Message: fmt.Sprintf("Input for %s was invalid", what),
		Details: details,
	}
}

// invalidState covers structural violations. Part of the vocabulary even
// though no current path raises it directly.
func invalidState(message string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_STATE",
		Message: message,
		Details: details,
	}
}

func notAllowed(message string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusForbidden,
		Code:    "NOT_ALLOWED",
		Message: message,
		Details: details,
	}
}

func notAuthenticated(message string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusUnauthorized,
		Code:    "AUTH_REQUIRED",
		Message: message,
		Details: details,
	}
}
