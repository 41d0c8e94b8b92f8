package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client)
}

func TestPublishSubscribeRoomFanout(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := "room.abc"
	deliveries := g.Subscribe(ctx, "runtime-1", exchange, "all")
	time.Sleep(50 * time.Millisecond) // allow PSubscribe to register

	require.NoError(t, g.Publish(ctx, exchange, "all", map[string]string{"event": "participant-joined"}, ""))

	select {
	case d := <-deliveries:
		assert.Equal(t, "all", d.RoutingKey)
		assert.Contains(t, string(d.Payload), "participant-joined")
	case <-time.After(time.Second):
		t.Fatal("did not receive delivery")
	}
}

func TestSubscribeFiltersNonMatchingRoutingKey(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := "sfu.backend-1"
	deliveries := g.Subscribe(ctx, "sfu-client", exchange, "from-backend-1")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, g.Publish(ctx, exchange, "from-backend-2", "ignored", ""))
	require.NoError(t, g.Publish(ctx, exchange, "from-backend-1", "mine", "tx-1"))

	select {
	case d := <-deliveries:
		assert.Equal(t, "from-backend-1", d.RoutingKey)
		assert.Equal(t, "tx-1", d.CorrelationId)
		assert.Contains(t, string(d.Payload), "mine")
	case <-time.After(time.Second):
		t.Fatal("did not receive delivery")
	}

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected second delivery: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())

	deliveries := g.Subscribe(ctx, "q", "room.x", "all")
	cancel()

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after cancel")
	}
}

func TestDeliveryAckNackNoop(t *testing.T) {
	d := Delivery{RoutingKey: "all"}
	assert.NotPanics(t, func() {
		d.Ack()
		d.Nack()
	})
}
