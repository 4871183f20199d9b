package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/database"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/sse"
)

// TxRunner runs fn inside a database transaction. *database.DB satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// EventBroker is the tenant event bus. *sse.Broker satisfies it.
type EventBroker interface {
	Publish(ctx context.Context, tenantID string, event sse.Event) error
	Subscribe(tenantID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

// Breaker gates and observes automation outcomes. *breaker.Registry
// satisfies it.
type Breaker interface {
	Allow(tenantID string) bool
	RecordSuccess(tenantID string)
	RecordFailure(tenantID string)
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// storeError passes typed failures through and turns anything else into a
// generic database error after logging the cause.
func storeError(op, tenantID string, err error) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	log.Error().
		Err(err).
		Str("op", op).
		Str("tenantId", tenantID).
		Msg("store operation failed")
	return apperrors.Database(err)
}

func publish(ctx context.Context, events EventBroker, tenantID, eventType string, data any) {
	if events == nil {
		return
	}
	ev, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	if err := events.Publish(ctx, tenantID, ev); err != nil {
		log.Warn().
			Err(err).
			Str("tenantId", tenantID).
			Str("eventType", eventType).
			Msg("failed to publish event")
	}
}

func decodeEvent(ev sse.Event, v any) bool {
	return json.Unmarshal(ev.Data, v) == nil
}
