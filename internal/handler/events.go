package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/middleware"
	"github.com/openclaw/agent-coordinator/internal/service"
	"github.com/openclaw/agent-coordinator/internal/sse"
)

// EventsHandler streams the tenant's lease and command events to operator
// dashboards.
type EventsHandler struct {
	broker       *sse.Broker
	leaseService *service.LeaseService
}

func NewEventsHandler(broker *sse.Broker, leaseService *service.LeaseService) *EventsHandler {
	return &EventsHandler{
		broker:       broker,
		leaseService: leaseService,
	}
}

// GET /api/extension/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := middleware.GetOperator(r.Context())
	if op == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(op.TenantID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("tenantId", op.TenantID).
		Str("operatorId", op.ID).
		Msg("sse connection established")

	ctx := r.Context()

	// Current lease state first, so dashboards need no extra request.
	connected := map[string]any{"tenantId": op.TenantID, "lease": nil}
	if h.leaseService != nil {
		lease, err := h.leaseService.GetActive(ctx, op.TenantID)
		if err != nil {
			log.Warn().Err(err).Str("tenantId", op.TenantID).Msg("failed to load lease for sse snapshot")
		} else if lease != nil {
			connected["lease"] = lease
		}
	}
	if err := h.sendEvent(w, flusher, "connected", connected); err != nil {
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("tenantId", op.TenantID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("tenantId", op.TenantID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("tenantId", op.TenantID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
