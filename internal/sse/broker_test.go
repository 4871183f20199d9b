package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestLocalBrokerDeliversToTenantOnly(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	a1 := b.Subscribe("tenant-a")
	a2 := b.Subscribe("tenant-a")
	other := b.Subscribe("tenant-b")

	ev, err := NewEvent(EventCommandFinished, map[string]string{"commandId": "c1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "tenant-a", ev))

	got := receive(t, a1)
	assert.Equal(t, EventCommandFinished, got.Type)
	assert.JSONEq(t, `{"commandId":"c1"}`, string(got.Data))
	assert.Equal(t, EventCommandFinished, receive(t, a2).Type)

	select {
	case <-other.Events:
		t.Fatal("event leaked across tenants")
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	c := b.Subscribe("tenant-a")
	assert.Equal(t, 1, b.ClientCount("tenant-a"))
	assert.Equal(t, 1, b.TotalClients())

	b.Unsubscribe(c)
	assert.Equal(t, 0, b.ClientCount("tenant-a"))

	select {
	case <-c.Done:
	default:
		t.Fatal("done channel not closed")
	}

	// second unsubscribe is a no-op
	b.Unsubscribe(c)
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	c := b.Subscribe("tenant-a")
	ev := Event{Type: EventLeaseAcquired, Data: []byte(`{}`)}
	for i := 0; i < clientBufferSize+5; i++ {
		require.NoError(t, b.Publish(context.Background(), "tenant-a", ev))
	}
	assert.Len(t, c.Events, clientBufferSize)
}

func TestCloseClosesAllClients(t *testing.T) {
	b := NewBroker(nil)
	c := b.Subscribe("tenant-a")
	b.Close()

	select {
	case <-c.Done:
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, 0, b.TotalClients())
}
