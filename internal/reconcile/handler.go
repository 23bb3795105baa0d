package reconcile

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// Handler exposes merge and record endpoints under /api/reconcile.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reconcile routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/merge", h.merge)
	r.Route("/entities/{entityType}/{entityID}", func(r chi.Router) {
		r.Get("/", h.getEntity)
		r.Post("/merge", h.mergeEntity)
		r.Patch("/", h.editEntity)
	})
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Merge(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) mergeEntity(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.MergeEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) editEntity(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	rec, changed, err := h.service.EditEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "record": rec, "changedFields": changed})
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := httpx.StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("reconcile", slog.Any("error", err))
		msg = http.StatusText(status)
	}
	httpx.JSON(w, status, failure{Success: false, Error: msg})
}

// ChangeHandler exposes the schema change review queue under
// /api/schema-changes.
type ChangeHandler struct {
	logger  *slog.Logger
	service *ChangeService
}

// NewChangeHandler builds a ChangeHandler instance.
func NewChangeHandler(logger *slog.Logger, service *ChangeService) *ChangeHandler {
	return &ChangeHandler{logger: logger, service: service}
}

// MountRoutes registers schema change routes.
func (h *ChangeHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
}

type rejectChangeRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *ChangeHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "limit must be an integer")
			return
		}
		limit = n
	}
	items, err := h.service.List(r.Context(), ChangeStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.logger.Error("list schema changes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []ChangeRequest{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changes": items})
}

func (h *ChangeHandler) approve(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), shared.ActorFromContext(r.Context()))
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("approve schema change", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *ChangeHandler) reject(w http.ResponseWriter, r *http.Request) {
	var body rejectChangeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if err := httpx.Validate(body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), shared.ActorFromContext(r.Context()), body.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}
