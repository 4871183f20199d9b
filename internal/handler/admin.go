package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/agent-coordinator/internal/audit"
	"github.com/openclaw/agent-coordinator/internal/breaker"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
)

// AdminHandler exposes cross-tenant breaker state to platform operators.
type AdminHandler struct {
	breakers      *breaker.Registry
	adminKeyCheck func(http.Handler) http.Handler
}

func NewAdminHandler(breakers *breaker.Registry, adminKeyCheck func(http.Handler) http.Handler) *AdminHandler {
	return &AdminHandler{
		breakers:      breakers,
		adminKeyCheck: adminKeyCheck,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.adminKeyCheck != nil {
			r.Use(h.adminKeyCheck)
		}
		r.Get("/breakers", h.ListBreakers)
		r.Get("/breakers/{tenantId}", h.GetBreaker)
		r.Post("/breakers/{tenantId}/reset", h.ResetBreaker)
	})

	return r
}

// GET /admin/breakers
func (h *AdminHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  h.breakers.Summary(),
		"breakers": h.breakers.Snapshot(),
	})
}

// GET /admin/breakers/{tenantId}
func (h *AdminHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if tenantID == "" {
		writeError(w, apperrors.MissingRequired("tenantId"))
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.Get(tenantID))
}

// POST /admin/breakers/{tenantId}/reset
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if tenantID == "" {
		writeError(w, apperrors.MissingRequired("tenantId"))
		return
	}

	h.breakers.Reset(tenantID)
	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventBreakerReset,
		ActorID:  "admin",
		TenantID: tenantID,
	})

	writeJSON(w, http.StatusOK, h.breakers.Get(tenantID))
}
