package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/agent-coordinator/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
)

const (
	EventDevicePaired        = "device_paired"
	EventDeviceRevoked       = "device_revoked"
	EventLeaseAcquired       = "lease_acquired"
	EventLeaseReleased       = "lease_released"
	EventCommandEnqueued     = "command_enqueued"
	EventCommandAcknowledged = "command_acknowledged"
	EventCommandFinished     = "command_finished"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an Event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Client struct {
	TenantID string
	Events   chan Event
	Done     chan struct{}
}

// Broker fans tenant events out to subscribers. With a redis client events
// travel through pub/sub and reach subscribers on every instance; without
// one they are delivered in-process.
type Broker struct {
	redis   *redis.Client
	clients map[string]map[*Client]bool // tenantID -> set of clients
	cancels map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redis.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(tenantID string) *Client {
	client := &Client{
		TenantID: tenantID,
		Events:   make(chan Event, clientBufferSize),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[tenantID] == nil {
		b.clients[tenantID] = make(map[*Client]bool)
		if b.redis != nil {
			subCtx, subCancel := context.WithCancel(b.ctx)
			b.cancels[tenantID] = subCancel
			go b.subscribeToRedis(subCtx, tenantID)
		}
	}
	b.clients[tenantID][client] = true
	clientCount := len(b.clients[tenantID])
	b.mu.Unlock()

	log.Debug().
		Str("tenantId", tenantID).
		Int("clientCount", clientCount).
		Msg("event client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.TenantID]; ok {
		if !clients[client] {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.TenantID)
			if cancel, ok := b.cancels[client.TenantID]; ok {
				cancel()
				delete(b.cancels, client.TenantID)
			}
		}

		log.Debug().
			Str("tenantId", client.TenantID).
			Int("clientCount", len(clients)).
			Msg("event client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, tenantID string, event Event) error {
	if b.redis == nil {
		b.broadcast(tenantID, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.EventChannel(tenantID)
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, tenantID string) {
	channel := redisclient.EventChannel(tenantID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("tenantId", tenantID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(tenantID, event)
		}
	}
}

func (b *Broker) broadcast(tenantID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[tenantID] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("tenantId", tenantID).
				Str("eventType", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.cancels = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[tenantID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
