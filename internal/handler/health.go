package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/breaker"
	"github.com/openclaw/agent-coordinator/internal/config"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db       Pinger
	breakers *breaker.Registry
}

func NewHealthHandler(db Pinger, breakers *breaker.Registry) *HealthHandler {
	return &HealthHandler{db: db, breakers: breakers}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("health check: database ping failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}

	body := map[string]any{
		"status":    status,
		"database":  dbStatus,
		"timestamp": time.Now().UnixMilli(),
	}
	if h.breakers != nil {
		body["breakers"] = h.breakers.Summary()
	}

	writeJSON(w, code, body)
}
