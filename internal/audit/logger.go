package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPairingStart     EventType = "pairing_start"
	EventPairingComplete  EventType = "pairing_complete"
	EventPairingFailure   EventType = "pairing_failure"
	EventDeviceRevoke     EventType = "device_revoke"
	EventDeviceDelete     EventType = "device_delete"
	EventDeviceAuthFail   EventType = "device_auth_failure"
	EventLeaseTakeover    EventType = "lease_takeover"
	EventLeaseForceFree   EventType = "lease_force_release"
	EventBreakerReset     EventType = "breaker_reset"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
	EventAuthFailure      EventType = "auth_failure"
	EventAdminAuthFailure EventType = "admin_auth_failure"
)

type Event struct {
	Type      EventType
	ActorID   string
	TenantID  string
	DeviceID  string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.ActorID != "" {
		logger = logger.With().Str("actor_id", event.ActorID).Logger()
	}
	if event.TenantID != "" {
		logger = logger.With().Str("tenant_id", event.TenantID).Logger()
	}
	if event.DeviceID != "" {
		logger = logger.With().Str("device_id", event.DeviceID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// getClientIP prefers RemoteAddr, which chimiddleware.RealIP has already
// rewritten from trusted proxy headers.
func getClientIP(r *http.Request) string {
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.Header.Get("X-Forwarded-For")
}
