package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewLocalRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, _ := limiter.CheckLimit(ctx, "ip-1", 10, time.Minute)
			assert.True(t, allowed)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewLocalRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.CheckLimit(ctx, "ip-2", 5, time.Minute)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, "ip-2", 5, time.Minute)
		assert.False(t, allowed)
		assert.True(t, resetAt.After(time.Now()))
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewLocalRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.CheckLimit(ctx, "ip-a", 5, time.Minute)
		}

		allowed, _ := limiter.CheckLimit(ctx, "ip-b", 5, time.Minute)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		limiter := NewLocalRateLimiter()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			limiter.CheckLimit(ctx, "ip-3", 3, time.Minute)
		}
		allowed, _ := limiter.CheckLimit(ctx, "ip-3", 3, time.Minute)
		assert.False(t, allowed)

		now = now.Add(61 * time.Second)
		allowed, _ = limiter.CheckLimit(ctx, "ip-3", 3, time.Minute)
		assert.True(t, allowed)
	})
}

func TestIPRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	newRequest := func(remote string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/extension/pairing/complete", nil)
		req.RemoteAddr = remote
		return req
	}

	t.Run("limits per client ip", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewLocalRateLimiter(), 2, time.Minute, "pairing").Handler(ok)

		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newRequest("192.0.2.1:1000"))
			assert.Equal(t, http.StatusOK, rec.Code)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest("192.0.2.1:2000"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest("192.0.2.2:1000"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("zero limit disables the check", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewLocalRateLimiter(), 0, time.Minute, "agent").Handler(ok)

		for i := 0; i < 10; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newRequest("192.0.2.1:1000"))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
