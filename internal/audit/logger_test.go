package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLog(t)

	Log(context.Background(), Event{
		Type:     EventLeaseTakeover,
		TenantID: "tenant-1",
		DeviceID: "dev-2",
		Details:  map[string]interface{}{"previousDeviceId": "dev-1", "attempt": 2},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "security", entry["audit"])
	assert.Equal(t, "lease_takeover", entry["event_type"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.Equal(t, "dev-2", entry["device_id"])
	assert.Equal(t, "dev-1", entry["previousDeviceId"])
	assert.EqualValues(t, 2, entry["attempt"])
	assert.NotContains(t, entry, "actor_id")
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	req := httptest.NewRequest("POST", "/admin/breakers/t1/reset", nil)
	req.RemoteAddr = "10.0.0.7"
	req.Header.Set("User-Agent", "curl/8")

	LogFromRequest(req, Event{Type: EventBreakerReset, ActorID: "admin"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "10.0.0.7", entry["ip"])
	assert.Equal(t, "curl/8", entry["user_agent"])
	assert.Equal(t, "admin", entry["actor_id"])
}
