package app

import (
	"errors"
	"fmt"
	"net/http"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func notFoundError(kind, id string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s %s does not exist", kind, id), map[string]string{kind: id})
}

func conflictError(kind, id string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", fmt.Sprintf("%s %s already exists", kind, id), map[string]string{kind: id})
}

func duplicateMutationError(id string) *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_MUTATION", fmt.Sprintf("Ignoring duplicate mutation %s", id), nil)
}

// AckResult is the synchronous answer to a single request, delivered to the
// requester only.
type AckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func ackFromError(err error) AckResult {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return AckResult{Success: false, Message: domainErr.Message, Code: domainErr.Code}
	}
	return AckResult{Success: false, Message: "Server error", Code: "SERVER_ERROR"}
}

func isDomainError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}
