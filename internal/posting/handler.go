package posting

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// Handler exposes the auto-post endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers routes under /api/journals.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/auto-post", h.autoPost)
}

func (h *Handler) autoPost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.service.AutoPost(r.Context(), req, Options{
		Actor:          shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("auto post", slog.String("type", string(req.Type)), slog.String("record_id", req.Record.ID), slog.Any("error", err))
		}
		writeFailure(w, err)
		return
	}
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

// writeFailure keeps the {success:false, error} envelope callers expect
// while carrying the mapped status code.
func writeFailure(w http.ResponseWriter, err error) {
	status := httpx.StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	httpx.JSON(w, status, Result{Success: false, Error: msg})
}
