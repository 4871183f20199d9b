package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/service"
)

// AgentHandler serves the browser extension. Agents carry their credentials
// in the request body; there is no operator session on these routes.
type AgentHandler struct {
	pairingService *service.PairingService
	deviceService  *service.DeviceService
	leaseService   *service.LeaseService
	commandService *service.CommandService
	pairingLimiter func(http.Handler) http.Handler
}

func NewAgentHandler(
	pairingService *service.PairingService,
	deviceService *service.DeviceService,
	leaseService *service.LeaseService,
	commandService *service.CommandService,
	pairingLimiter func(http.Handler) http.Handler,
) *AgentHandler {
	return &AgentHandler{
		pairingService: pairingService,
		deviceService:  deviceService,
		leaseService:   leaseService,
		commandService: commandService,
		pairingLimiter: pairingLimiter,
	}
}

// Register adds the agent routes to r. They share a prefix with the
// operator routes, so they are registered rather than mounted.
func (h *AgentHandler) Register(r chi.Router) {
	if h.pairingLimiter != nil {
		r.With(h.pairingLimiter).Post("/pairing/complete", h.CompletePairing)
	} else {
		r.Post("/pairing/complete", h.CompletePairing)
	}

	r.Post("/lease/acquire", h.AcquireLease)
	r.Post("/lease/heartbeat", h.Heartbeat)
	r.Post("/lease/release", h.ReleaseLease)

	r.Post("/commands/poll", h.PollCommands)
	r.Post("/commands/ack", h.AckCommand)
	r.Post("/commands/complete", h.CompleteCommand)
}

// POST /api/extension/pairing/complete
func (h *AgentHandler) CompletePairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code             string  `json:"code"`
		DeviceID         string  `json:"deviceId"`
		DeviceName       *string `json:"deviceName"`
		ExtensionVersion *string `json:"extensionVersion"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	userAgent := r.UserAgent()
	result, err := h.pairingService.CompletePairing(r.Context(), service.CompletePairingParams{
		Code:             req.Code,
		DeviceID:         req.DeviceID,
		DeviceName:       req.DeviceName,
		ExtensionVersion: req.ExtensionVersion,
		UserAgent:        &userAgent,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":       result.Device.ID,
		"tenantId":       result.Device.TenantID,
		"deviceToken":    result.Token,
		"tokenExpiresAt": result.TokenExpiresAt.Format(time.RFC3339),
	})
}

// POST /api/extension/lease/acquire
func (h *AgentHandler) AcquireLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID      string `json:"deviceId"`
		DeviceToken   string `json:"deviceToken"`
		ForceTakeover bool   `json:"forceTakeover"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	device, err := h.deviceService.ValidateDeviceToken(ctx, req.DeviceID, req.DeviceToken)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.leaseService.Acquire(ctx, device, req.ForceTakeover)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leaseId":                  result.Lease.ID,
		"leaseToken":               result.Token,
		"tenantId":                 result.Lease.TenantID,
		"expiresAt":                result.Lease.ExpiresAt.Format(time.RFC3339),
		"heartbeatIntervalSeconds": int(result.HeartbeatInterval.Seconds()),
	})
}

// POST /api/extension/lease/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID    string  `json:"leaseId"`
		LeaseToken string  `json:"leaseToken"`
		CurrentURL *string `json:"currentUrl"`
		Status     *string `json:"status"`
		LastError  *string `json:"lastError"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lease, err := h.leaseService.Heartbeat(r.Context(), service.HeartbeatParams{
		LeaseID:    req.LeaseID,
		Token:      req.LeaseToken,
		CurrentURL: req.CurrentURL,
		Status:     req.Status,
		LastError:  req.LastError,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":                  true,
		"expiresAt":                lease.ExpiresAt.Format(time.RFC3339),
		"heartbeatIntervalSeconds": int(h.leaseService.HeartbeatInterval().Seconds()),
	})
}

// POST /api/extension/lease/release
func (h *AgentHandler) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID    string `json:"leaseId"`
		LeaseToken string `json:"leaseToken"`
		Reason     string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.leaseService.Release(r.Context(), req.LeaseID, req.LeaseToken, req.Reason); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type leaseCredentials struct {
	LeaseID    string `json:"leaseId"`
	LeaseToken string `json:"leaseToken"`
}

// POST /api/extension/commands/poll
func (h *AgentHandler) PollCommands(w http.ResponseWriter, r *http.Request) {
	var req leaseCredentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	lease, err := h.leaseService.Authenticate(ctx, req.LeaseID, req.LeaseToken)
	if err != nil {
		writeError(w, err)
		return
	}

	commands, err := h.commandService.PollPending(ctx, lease.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(commands))
	for _, cmd := range commands {
		items = append(items, formatAgentCommand(cmd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": items})
}

// POST /api/extension/commands/ack
func (h *AgentHandler) AckCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		leaseCredentials
		CommandID string `json:"commandId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	lease, err := h.leaseService.Authenticate(ctx, req.LeaseID, req.LeaseToken)
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := h.commandService.Acknowledge(ctx, lease.TenantID, req.CommandID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  cmd.Status,
	})
}

// POST /api/extension/commands/complete
func (h *AgentHandler) CompleteCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		leaseCredentials
		CommandID    string          `json:"commandId"`
		ResultStatus string          `json:"resultStatus"`
		ResultData   json.RawMessage `json:"resultData"`
		ErrorMessage *string         `json:"errorMessage"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	lease, err := h.leaseService.Authenticate(ctx, req.LeaseID, req.LeaseToken)
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := h.commandService.Complete(ctx, service.CompleteParams{
		TenantID:     lease.TenantID,
		CommandID:    req.CommandID,
		ResultStatus: req.ResultStatus,
		ResultData:   req.ResultData,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  cmd.Status,
	})
}

func formatAgentCommand(cmd model.Command) map[string]any {
	return map[string]any{
		"id":        cmd.ID,
		"type":      cmd.Type,
		"payload":   json.RawMessage(cmd.Payload),
		"priority":  cmd.Priority,
		"createdAt": cmd.CreatedAt.Format(time.RFC3339),
		"expiresAt": cmd.ExpiresAt.Format(time.RFC3339),
	}
}
