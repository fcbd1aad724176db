// Package httpx provides JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Responder writes JSON responses and logs encoding failures to its logger.
type Responder struct {
	logger *zap.Logger
}

// NewResponder creates a Responder. A nil logger discards encoding failures.
func NewResponder(logger *zap.Logger) Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Responder{logger: logger}
}

// JSON writes a JSON response with the given status code and data.
func (rs Responder) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rs.log().Warn("failed to encode JSON response", zap.Int("status", status), zap.Error(err))
	}
}

// Error writes an error response with the given status code and error message.
func (rs Responder) Error(w http.ResponseWriter, status int, err error) {
	rs.ErrorString(w, status, err.Error())
}

// ErrorString writes an error response with the given status code and message.
func (rs Responder) ErrorString(w http.ResponseWriter, status int, message string) {
	rs.JSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// log covers the zero Responder
func (rs Responder) log() *zap.Logger {
	if rs.logger == nil {
		return zap.NewNop()
	}
	return rs.logger
}
