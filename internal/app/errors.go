package app

import (
	"errors"
	"fmt"
	"net/http"

	"logbook/api/internal/auth"
	"logbook/api/internal/authpw"
	"logbook/api/internal/content"
	"logbook/api/internal/export"
	"logbook/api/internal/media"
	"logbook/api/internal/store"
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

var (
	errLastParent    = domainError(http.StatusConflict, "LAST_PARENT", "A logbook needs at least one parent", nil)
	errInviteExpired = domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired", nil)
	errInviteUsed    = domainError(http.StatusConflict, "INVITE_USED", "Invite has already been used", nil)
	errAlreadyMember = domainError(http.StatusConflict, "ALREADY_MEMBER", "Already a member of this logbook", nil)
	errRateLimited   = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many changes, slow down", nil)
)

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// mapError turns domain and package sentinels into an HTTP status and code.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErr *content.ValidationError
	if errors.As(err, &fieldErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", fieldErr.Error(), map[string]string{"field": fieldErr.Field}
	}
	switch {
	case errors.Is(err, content.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable, "TRY_AGAIN", "Temporarily unable to save, try again", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]string{"password": "is too short"}
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", err.Error(), nil
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", err.Error(), nil
	case errors.Is(err, media.ErrStorageDisabled):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
