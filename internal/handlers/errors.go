package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/usecase"
)

// writeError maps err onto an HTTP status and aborts the request.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validation   *faceauth.ValidationError
		insufficient *faceauth.InsufficientReferencesError
		tooLarge     *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &tooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
	case errors.As(err, &insufficient):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":    "not enough verification images found for user",
			"found":    insufficient.Found,
			"required": insufficient.Required,
		})
	case errors.Is(err, usecase.ErrResultNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, faceauth.ErrProviderUnavailable):
		h.logger.Warn("embedding provider unavailable", logging.ErrorFields(err)...)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
	case errors.Is(err, faceauth.ErrStoreUnavailable):
		h.logger.Warn("reference store unavailable", logging.ErrorFields(err)...)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reference store unavailable"})
	case errors.Is(err, usecase.ErrAuditDisabled):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "metrics are not available"})
	case errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		h.logger.Error("request failed", logging.ErrorFields(err)...)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(field, reason string) error {
	return &faceauth.ValidationError{Field: field, Reason: reason}
}

