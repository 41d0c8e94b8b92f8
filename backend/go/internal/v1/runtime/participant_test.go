package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is a minimal wsConnection that replays a fixed sequence of
// inbound frames, then blocks until closed (mirroring a real connection
// idling between client messages rather than immediately erroring).
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	idx      int
	outbound [][]byte
	closed   chan struct{}
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	return &fakeConn{inbound: inbound, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.idx < len(c.inbound) {
		data := c.inbound[c.idx]
		c.idx++
		c.mu.Unlock()
		return 1, data, nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, nil, errConnClosed
}

var errConnClosed = &connClosedError{}

type connClosedError struct{}

func (*connClosedError) Error() string { return "fake connection closed" }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(data))
	copy(out, data)
	c.outbound = append(c.outbound, out)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.outbound))
	for _, raw := range c.outbound {
		var env Envelope
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

type echoModule struct {
	modhost.ModuleBase
}

func (echoModule) Namespace() modhost.Namespace { return "echo" }

func (echoModule) OnJoined(ctx context.Context, peers []modhost.PeerState) (json.RawMessage, error) {
	return json.RawMessage(`{"state":"init"}`), nil
}

func (echoModule) OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func newTestHub(t *testing.T) (*Hub, *cache.Gateway, *bus.Gateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	b := bus.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	reg := modhost.NewRegistry()
	reg.Register("echo", func() modhost.Module { return &echoModule{} })
	hub := NewHub(nil, c, b, reg, nil, zap.NewNop())
	return hub, c, b
}

func TestParticipantJoinSendsJoinSuccess(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room := ids.NewSignalingRoomId(ids.NewRoomId())
	conn := newFakeConn()
	p := newParticipant(hub, conn, room, ids.NewParticipantId(), modhost.RoleParticipant)
	hub.register(room, p.id, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(conn.sent()) > 0 }, time.Second, 10*time.Millisecond)
	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, controlNamespace, sent[0].Namespace)

	var joined joinSuccessPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &joined))
	assert.Equal(t, room.String(), joined.Room)
	assert.Equal(t, p.id.String(), joined.Self)
	assert.Empty(t, joined.Peers)

	cancel()
	conn.Close()
	<-done
}

func TestParticipantEchoesWSMessageToOwnNamespace(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room := ids.NewSignalingRoomId(ids.NewRoomId())
	env, err := encodeEnvelope("echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	conn := newFakeConn(env)
	p := newParticipant(hub, conn, room, ids.NewParticipantId(), modhost.RoleParticipant)
	hub.register(room, p.id, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(conn.sent()) >= 2 }, time.Second, 10*time.Millisecond)
	sent := conn.sent()
	assert.Equal(t, modhost.Namespace("echo"), sent[1].Namespace)
	assert.JSONEq(t, `{"hello":"world"}`, string(sent[1].Payload))

	cancel()
	conn.Close()
	<-done
}

func TestParticipantUnknownNamespaceReturnsControlError(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room := ids.NewSignalingRoomId(ids.NewRoomId())
	env, err := encodeEnvelope("nope", map[string]string{})
	require.NoError(t, err)
	conn := newFakeConn(env)
	p := newParticipant(hub, conn, room, ids.NewParticipantId(), modhost.RoleParticipant)
	hub.register(room, p.id, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(conn.sent()) >= 2 }, time.Second, 10*time.Millisecond)
	sent := conn.sent()
	assert.Equal(t, controlNamespace, sent[1].Namespace)
	var errPayload errorPayload
	require.NoError(t, json.Unmarshal(sent[1].Payload, &errPayload))
	assert.Contains(t, errPayload.Text, "nope")

	cancel()
	conn.Close()
	<-done
}

func TestSecondParticipantSeesFirstAsPeer(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room := ids.NewSignalingRoomId(ids.NewRoomId())

	connA := newFakeConn()
	pa := newParticipant(hub, connA, room, ids.NewParticipantId(), modhost.RoleParticipant)
	hub.register(room, pa.id, pa)
	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	go func() { pa.Run(ctxA); close(doneA) }()
	require.Eventually(t, func() bool { return len(connA.sent()) > 0 }, time.Second, 10*time.Millisecond)

	connB := newFakeConn()
	pb := newParticipant(hub, connB, room, ids.NewParticipantId(), modhost.RoleParticipant)
	hub.register(room, pb.id, pb)
	ctxB, cancelB := context.WithCancel(context.Background())
	doneB := make(chan struct{})
	go func() { pb.Run(ctxB); close(doneB) }()
	require.Eventually(t, func() bool { return len(connB.sent()) > 0 }, time.Second, 10*time.Millisecond)

	var joined joinSuccessPayload
	require.NoError(t, json.Unmarshal(connB.sent()[0].Payload, &joined))
	require.Len(t, joined.Peers, 1)
	assert.Equal(t, pa.id.String(), joined.Peers[0].Participant)
	assert.JSONEq(t, `{"state":"init"}`, string(joined.Peers[0].Modules["echo"]))

	cancelA()
	connA.Close()
	<-doneA
	cancelB()
	connB.Close()
	<-doneB
}
