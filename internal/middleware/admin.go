package middleware

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/audit"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/httputil"
	"github.com/openclaw/agent-coordinator/internal/util"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware guards the admin API with a shared key stored as a
// bcrypt hash.
type AdminKeyMiddleware struct {
	keyHash string
	limiter *AttemptLimiter
}

func NewAdminKeyMiddleware(keyHash string, limiter *AttemptLimiter) *AdminKeyMiddleware {
	if limiter == nil {
		limiter = NewAttemptLimiter(0, 0)
	}
	return &AdminKeyMiddleware{keyHash: keyHash, limiter: limiter}
}

func (m *AdminKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.keyHash == "" {
			httputil.WriteError(w, apperrors.Forbidden("Admin API is disabled"))
			return
		}

		ip := clientIP(r)
		if m.limiter.Locked(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.limiter.window.Seconds())))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		key := r.Header.Get(AdminKeyHeader)
		if key == "" || !util.CheckPasswordHash(key, m.keyHash) {
			m.limiter.Fail(ip)
			log.Warn().Str("ip", ip).Msg("admin auth: invalid key")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminAuthFailure})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid admin key"))
			return
		}

		m.limiter.Reset(ip)
		next.ServeHTTP(w, r)
	})
}
