package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront-agent/internal/usecase"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, reason}. Unknown errors become
// INTERNAL_ERROR.
func (h *Handler) writeError(c *gin.Context, err error) {
	ue := usecase.AsError(err)
	h.logError(c, ue)
	status := statusFor(ue.Code)
	if ue.Code == usecase.ErrorInvalidInput && ue.Reason == "body_too_large" {
		status = http.StatusRequestEntityTooLarge
	}
	if ue.Code == usecase.ErrorRateLimited && ue.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ue.RetryAfter.Seconds()))))
	}
	c.JSON(status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func (h *Handler) logError(c *gin.Context, ue *usecase.Error) {
	fields := []zap.Field{
		zap.String("correlation_id", c.GetString(correlationKey)),
		zap.String("code", string(ue.Code)),
		zap.String("reason", ue.Reason),
	}
	if ue.Err != nil {
		fields = append(fields, zap.Error(ue.Err))
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorUnauthorized, usecase.ErrorRateLimited:
		h.logger.Info("request failed", fields...)
	default:
		h.logger.Error("request failed", fields...)
	}
}

func invalidBody(err error) *usecase.Error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
}
