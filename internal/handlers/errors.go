package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/models"
)

const codeInternal = "INTERNAL_ERROR"

func statusFor(code models.Code) int {
	switch code {
	case models.CodeInvalidAmount, models.CodeInvalidInput:
		return http.StatusBadRequest
	case models.CodeNotOwner:
		return http.StatusForbidden
	case models.CodeSessionNotFound, models.CodeUserNotFound, models.CodeEntryNotFound:
		return http.StatusNotFound
	case models.CodeInsufficientFunds, models.CodeDuplicateTx, models.CodeActiveSessionExists,
		models.CodeAlreadyTerminal, models.CodeNothingToSettle,
		models.CodeRoundNotAccepting, models.CodeRoundNotRunning:
		return http.StatusConflict
	case models.CodeVerificationFailed:
		return http.StatusUnprocessableEntity
	case models.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError renders err as {"error": CODE, "details": msg}.
func respondError(c *gin.Context, err error) {
	var e *models.Error
	if !errors.As(err, &e) {
		slog.Error("unhandled error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal, "details": "internal error"})
		return
	}

	status := statusFor(e.Code)
	body := gin.H{"error": e.Code, "details": e.Message}
	if e.Retryable() {
		body["retryable"] = true
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "code", e.Code, "error", err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": models.CodeInvalidInput, "details": err.Error()})
}
