package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/audit"
	"github.com/openclaw/agent-coordinator/internal/breaker"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/middleware"
	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/service"
	"github.com/openclaw/agent-coordinator/internal/util"
)

const maxCommandTTLSeconds = 3600

// OperatorHandler serves tenant operators. Every route runs behind
// middleware.OperatorAuth and is scoped to the token's tenant.
type OperatorHandler struct {
	pairingService *service.PairingService
	deviceService  *service.DeviceService
	leaseService   *service.LeaseService
	commandService *service.CommandService
	phoneService   *service.PhoneCheckService
	breakers       *breaker.Registry
}

func NewOperatorHandler(
	pairingService *service.PairingService,
	deviceService *service.DeviceService,
	leaseService *service.LeaseService,
	commandService *service.CommandService,
	phoneService *service.PhoneCheckService,
	breakers *breaker.Registry,
) *OperatorHandler {
	return &OperatorHandler{
		pairingService: pairingService,
		deviceService:  deviceService,
		leaseService:   leaseService,
		commandService: commandService,
		phoneService:   phoneService,
		breakers:       breakers,
	}
}

func (h *OperatorHandler) Register(r chi.Router) {
	r.Post("/pairing/start", h.StartPairing)
	r.Get("/pairing/active", h.ActivePairingCode)

	r.Get("/devices", h.ListDevices)
	r.Post("/devices/{deviceId}/revoke", h.RevokeDevice)
	r.Delete("/devices/{deviceId}", h.DeleteDevice)

	r.Get("/lease", h.GetLease)
	r.Post("/lease/force-release", h.ForceReleaseLease)

	r.Post("/commands", h.CreateCommand)
	r.Get("/commands", h.ListCommands)
	r.Get("/commands/{id}", h.GetCommand)

	r.Post("/check-phone", h.CheckPhone)

	r.Get("/breaker", h.GetBreaker)
	r.Post("/breaker/reset", h.ResetBreaker)
}

func (h *OperatorHandler) operator(w http.ResponseWriter, r *http.Request) *middleware.Operator {
	op := middleware.GetOperator(r.Context())
	if op == nil {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
	}
	return op
}

// POST /api/extension/pairing/start
func (h *OperatorHandler) StartPairing(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	code, err := h.pairingService.StartPairing(r.Context(), op.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventPairingStart,
		ActorID:  op.ID,
		TenantID: op.TenantID,
		Details:  map[string]interface{}{"code": util.MaskCode(code.Code)},
	})

	writeJSON(w, http.StatusOK, formatPairingCode(code))
}

// GET /api/extension/pairing/active
func (h *OperatorHandler) ActivePairingCode(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	code, err := h.pairingService.ListActiveCode(r.Context(), op.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if code == nil {
		writeJSON(w, http.StatusOK, map[string]any{"code": nil})
		return
	}

	writeJSON(w, http.StatusOK, formatPairingCode(code))
}

// GET /api/extension/devices
func (h *OperatorHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	devices, err := h.deviceService.List(r.Context(), op.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// POST /api/extension/devices/{deviceId}/revoke
func (h *OperatorHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deviceService.Revoke(r.Context(), op.TenantID, chi.URLParam(r, "deviceId"), req.Reason); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DELETE /api/extension/devices/{deviceId}
func (h *OperatorHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	if err := h.deviceService.Delete(r.Context(), op.TenantID, chi.URLParam(r, "deviceId")); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/extension/lease
func (h *OperatorHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	lease, err := h.leaseService.GetActive(r.Context(), op.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"lease": lease})
}

// POST /api/extension/lease/force-release
func (h *OperatorHandler) ForceReleaseLease(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lease, err := h.leaseService.ForceRelease(r.Context(), op.TenantID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"released": lease != nil,
		"lease":    lease,
	})
}

// POST /api/extension/commands
func (h *OperatorHandler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	var req struct {
		Type       string          `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		Priority   int             `json:"priority"`
		TTLSeconds int             `json:"ttlSeconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > maxCommandTTLSeconds {
		writeError(w, apperrors.InvalidInput("ttlSeconds", "must be between 0 and 3600"))
		return
	}

	cmd, err := h.commandService.Enqueue(r.Context(), service.EnqueueParams{
		TenantID: op.TenantID,
		Type:     req.Type,
		Payload:  req.Payload,
		Priority: req.Priority,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cmd)
}

// GET /api/extension/commands
func (h *OperatorHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	page, err := parseHistoryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	commands, total, err := h.commandService.List(r.Context(), op.TenantID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if commands == nil {
		commands = []model.Command{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": commands,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// GET /api/extension/commands/{id}
func (h *OperatorHandler) GetCommand(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	id := chi.URLParam(r, "id")
	if !util.IsValidUUID(id) {
		writeError(w, apperrors.CommandNotFound())
		return
	}

	cmd, err := h.commandService.Get(r.Context(), op.TenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// POST /api/extension/check-phone
// Blocks until the extension answers or the sync timeout passes.
func (h *OperatorHandler) CheckPhone(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	var req struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.phoneService.CheckPhone(r.Context(), op.TenantID, req.PhoneNumber)
	if err != nil {
		if r.Context().Err() != nil {
			log.Info().Str("tenantId", op.TenantID).Msg("phone check abandoned by caller")
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, statusForCategory(result.Category), result)
}

// GET /api/extension/breaker
func (h *OperatorHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	writeJSON(w, http.StatusOK, h.breakers.Get(op.TenantID))
}

// POST /api/extension/breaker/reset
func (h *OperatorHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	op := h.operator(w, r)
	if op == nil {
		return
	}

	h.breakers.Reset(op.TenantID)
	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventBreakerReset,
		ActorID:  op.ID,
		TenantID: op.TenantID,
	})

	writeJSON(w, http.StatusOK, h.breakers.Get(op.TenantID))
}

func formatPairingCode(code *model.PairingCode) map[string]any {
	return map[string]any{
		"code":             code.Code,
		"expiresAt":        code.ExpiresAt.Format(time.RFC3339),
		"expiresInSeconds": secondsUntil(code.ExpiresAt, time.Now()),
	}
}

// statusForCategory maps a synchronous wait outcome to an HTTP status. The
// body always carries the category so clients can branch on it.
func statusForCategory(category service.AwaitCategory) int {
	switch category {
	case service.CategorySuccess, service.CategoryFailed:
		return http.StatusOK
	case service.CategoryExpired, service.CategoryTimeout:
		return http.StatusGatewayTimeout
	case service.CategoryConcurrentOperation:
		return http.StatusConflict
	case service.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
