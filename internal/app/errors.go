package app

import (
	"errors"
	"fmt"
	"net/http"

	"concord/api/internal/history"
	"concord/api/internal/store"
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func unauthorizedError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func storageError(err error) *DomainError {
	return domainError(http.StatusInternalServerError, "STORAGE_ERROR", "storage operation failed", map[string]any{"cause": err.Error()})
}

// mapStoreError translates store sentinels into the taxonomy; anything
// else is a storage failure.
func mapStoreError(err error, notFoundMessage string) *DomainError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError(notFoundMessage)
	case errors.Is(err, store.ErrVersionConflict):
		return conflictError("paragraph version changed concurrently")
	case errors.Is(err, store.ErrStatusConflict):
		return conflictError("item is no longer pending")
	case errors.Is(err, history.ErrVersionNotFound):
		return notFoundError(notFoundMessage)
	default:
		return storageError(err)
	}
}
