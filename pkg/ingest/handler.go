package ingest

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/httpx"
)

// Handler serves the import endpoint
type Handler struct {
	importer *Importer
	respond  httpx.Responder
	logger   *zap.Logger
}

// NewHandler creates an import handler
func NewHandler(importer *Importer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingest")
	return &Handler{importer: importer, respond: httpx.NewResponder(logger), logger: logger}
}

// HandleImport handles POST /v1/import with a body of {"observations": [...]}
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respond.ErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ImportTimeout)
	defer cancel()

	body := http.MaxBytesReader(w, r.Body, config.MaxImportBodyBytes)
	result, err := h.importer.ImportJSON(ctx, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.respond.Error(w, http.StatusRequestEntityTooLarge, err)
		case result == nil:
			h.respond.Error(w, http.StatusBadRequest, err)
		default:
			h.logger.Error("import failed", zap.String("batch_id", result.BatchID), zap.Error(err))
			h.respond.JSON(w, http.StatusInternalServerError, result)
		}
		return
	}

	status := http.StatusOK
	if result.ObservationsImported == 0 && len(result.Errors) > 0 {
		status = http.StatusBadRequest
	}
	h.respond.JSON(w, status, result)
}
