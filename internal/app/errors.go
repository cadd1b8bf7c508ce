package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"hyperdraft/api/internal/auth"
	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
	"hyperdraft/api/internal/draft"
	"hyperdraft/api/internal/export"
	"hyperdraft/api/internal/gitrepo"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, gitrepo.ErrVersionNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, docmodel.ErrInvalidOperation):
		return http.StatusUnprocessableEntity, "INVALID_OPERATION", err.Error(), nil
	case errors.Is(err, blocks.ErrInvalidTree):
		return http.StatusUnprocessableEntity, "INVALID_TREE", err.Error(), nil
	case errors.Is(err, draft.ErrBlockReused):
		return http.StatusUnprocessableEntity, "BLOCK_REUSED", err.Error(), nil
	case errors.Is(err, draft.ErrSessionClosed):
		return http.StatusConflict, "SESSION_CLOSED", "Editor session closed", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusConflict, "CONTENT_UNAVAILABLE", "Document has no published content", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
