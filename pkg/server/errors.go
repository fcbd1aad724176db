package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/stats"
)

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, stats.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrPending):
		return http.StatusAccepted
	case errors.Is(err, cache.ErrComputationFailure):
		return http.StatusBadGateway
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	h.respond.Error(w, status, err)
}
