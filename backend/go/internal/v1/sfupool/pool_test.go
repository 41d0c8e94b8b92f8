package sfupool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestInfra(t *testing.T) (*cache.Gateway, *bus.Gateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cacheClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	busClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewFromClient(cacheClient), bus.NewFromClient(busClient)
}

// fakeSFU simulates one backend well enough to exercise Pool's create-room/
// join/keepalive/destroy flow: create-session, attach, plugin-message
// (videoroom create + join), keepalive, destroy.
type fakeSFU struct {
	b                *bus.Gateway
	requestExchange  string
	responseExchange string
	roomCounter      int
	mu               sync.Mutex
}

func startFakeSFU(ctx context.Context, b *bus.Gateway, requestExchange, responseExchange string) {
	fs := &fakeSFU{b: b, requestExchange: requestExchange, responseExchange: responseExchange}
	deliveries := b.Subscribe(ctx, "fake-sfu", requestExchange, "")
	go func() {
		for d := range deliveries {
			go fs.handle(ctx, d.Payload)
		}
	}()
}

type wireRequest struct {
	Transaction string          `json:"transaction"`
	Method      string          `json:"method"`
	Session     string          `json:"session,omitempty"`
	Handle      string          `json:"handle,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type wireAck struct {
	Transaction string `json:"transaction"`
	Kind        string `json:"kind"`
	SessionID   string `json:"sessionId,omitempty"`
	HandleID    string `json:"handleId,omitempty"`
}

type wireFinal struct {
	Transaction string          `json:"transaction"`
	Kind        string          `json:"kind"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (fs *fakeSFU) handle(ctx context.Context, payload json.RawMessage) {
	var req wireRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}

	switch req.Method {
	case "create-session":
		fs.publish(ctx, wireAck{Transaction: req.Transaction, Kind: "ack", SessionID: "sess-" + req.Transaction})
	case "keepalive", "destroy":
		fs.publish(ctx, wireAck{Transaction: req.Transaction, Kind: "ack"})
	case "attach":
		fs.publish(ctx, wireAck{Transaction: req.Transaction, Kind: "ack", HandleID: "handle-" + req.Transaction})
	case "plugin-message":
		fs.publish(ctx, wireAck{Transaction: req.Transaction, Kind: "ack"})
		var body map[string]string
		_ = json.Unmarshal(req.Body, &body)
		var respBody []byte
		switch body["request"] {
		case "create":
			fs.mu.Lock()
			fs.roomCounter++
			room := fmt.Sprintf("room-%d", fs.roomCounter)
			fs.mu.Unlock()
			respBody, _ = json.Marshal(map[string]string{"videoroom": "created", "room": room})
		case "join":
			respBody, _ = json.Marshal(map[string]string{"videoroom": "joined"})
		default:
			respBody, _ = json.Marshal(map[string]string{})
		}
		fs.publish(ctx, wireFinal{Transaction: req.Transaction, Kind: "event", Body: respBody})
	}
}

func (fs *fakeSFU) publish(ctx context.Context, v any) {
	_ = fs.b.Publish(ctx, fs.responseExchange, "", v, "")
}

func testRoomConfig() RoomConfig {
	return RoomConfig{MaxVideoBitrate: 1_000_000, MaxScreenBitrate: 2_000_000, SpeakerFocusPackets: 50, SpeakerFocusLevelThreshold: 40}
}

func TestPoolPlacesPublisherOnLeastLoadedBackend(t *testing.T) {
	c, b := newTestInfra(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startFakeSFU(ctx, b, "sfu.a.req", "sfu.a.res")
	startFakeSFU(ctx, b, "sfu.b.req", "sfu.b.res")

	pool := New(c, b, testRoomConfig(), zap.NewNop())
	require.NoError(t, pool.Start(ctx, []BackendConfig{
		{ID: "backend-a", RequestExchange: "sfu.a.req", ResponseExchange: "sfu.a.res"},
		{ID: "backend-b", RequestExchange: "sfu.b.req", ResponseExchange: "sfu.b.res"},
	}))
	defer pool.Close(ctx)

	key := ids.MediaSessionKey{Participant: ids.NewParticipantId(), Type: ids.MediaSessionVideo}
	pub, err := pool.NewPublisher(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, pub.RoomID())
	assert.Contains(t, []string{"backend-a", "backend-b"}, pub.BackendID())
}

func TestPoolSubscriberJoinsPublisherBackend(t *testing.T) {
	c, b := newTestInfra(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startFakeSFU(ctx, b, "sfu.c.req", "sfu.c.res")

	pool := New(c, b, testRoomConfig(), zap.NewNop())
	require.NoError(t, pool.Start(ctx, []BackendConfig{
		{ID: "backend-c", RequestExchange: "sfu.c.req", ResponseExchange: "sfu.c.res"},
	}))
	defer pool.Close(ctx)

	pubKey := ids.MediaSessionKey{Participant: ids.NewParticipantId(), Type: ids.MediaSessionVideo}
	pub, err := pool.NewPublisher(ctx, pubKey)
	require.NoError(t, err)

	sub, err := pool.NewSubscriber(ctx, pubKey)
	require.NoError(t, err)
	assert.Equal(t, pub.BackendID(), sub.BackendID())
	assert.Equal(t, pub.RoomID(), sub.roomID)
}

func TestPoolSubscriberMissingPublisherErrors(t *testing.T) {
	c, b := newTestInfra(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startFakeSFU(ctx, b, "sfu.d.req", "sfu.d.res")
	pool := New(c, b, testRoomConfig(), zap.NewNop())
	require.NoError(t, pool.Start(ctx, []BackendConfig{
		{ID: "backend-d", RequestExchange: "sfu.d.req", ResponseExchange: "sfu.d.res"},
	}))
	defer pool.Close(ctx)

	_, err := pool.NewSubscriber(ctx, ids.MediaSessionKey{Participant: ids.NewParticipantId(), Type: ids.MediaSessionVideo})
	assert.ErrorIs(t, err, ErrPublisherNotFound)
}

func TestPoolReloadDrainsRemovedBackend(t *testing.T) {
	c, b := newTestInfra(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startFakeSFU(ctx, b, "sfu.e.req", "sfu.e.res")
	pool := New(c, b, testRoomConfig(), zap.NewNop())
	require.NoError(t, pool.Start(ctx, []BackendConfig{
		{ID: "backend-e", RequestExchange: "sfu.e.req", ResponseExchange: "sfu.e.res"},
	}))
	defer pool.Close(ctx)

	key := ids.MediaSessionKey{Participant: ids.NewParticipantId(), Type: ids.MediaSessionVideo}
	pub, err := pool.NewPublisher(ctx, key)
	require.NoError(t, err)

	require.NoError(t, pool.Reload(ctx, nil))

	select {
	case <-pub.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("publisher was not notified of backend drain")
	}

	_, err = pool.NewPublisher(ctx, key)
	assert.ErrorIs(t, err, ErrNoBackends)
}
