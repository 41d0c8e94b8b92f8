package modhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	ModuleBase
	ns      Namespace
	joined  bool
	left    bool
	destroy *bool
}

func (m *recordingModule) Namespace() Namespace { return m.ns }

func (m *recordingModule) OnJoined(ctx context.Context, peers []PeerState) (json.RawMessage, error) {
	m.joined = true
	return json.RawMessage(`{"ok":true}`), nil
}

func (m *recordingModule) OnLeaving(ctx context.Context) { m.left = true }

func (m *recordingModule) OnDestroy(ctx context.Context, destroyRoom bool) {
	if m.destroy != nil {
		*m.destroy = destroyRoom
	}
}

func (m *recordingModule) OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func newTestDeps(t *testing.T) (*cache.Gateway, *bus.Gateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		bus.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestRegistryInstantiateAndDispatch(t *testing.T) {
	c, b := newTestDeps(t)
	reg := NewRegistry()
	var destroyedRoom bool
	reg.Register("echo", func() Module { return &recordingModule{ns: "echo", destroy: &destroyedRoom} })

	ctx := context.Background()
	room := ids.NewSignalingRoomId(ids.NewRoomId())
	participant := ids.NewParticipantId()
	sendCh := make(chan struct {
		ns      Namespace
		payload any
	}, 8)
	external := make(chan ExternalEvent, 4)

	inst := reg.Instantiate(room, participant, RoleParticipant, c, b,
		func(ns Namespace, payload any) {
			sendCh <- struct {
				ns      Namespace
				payload any
			}{ns, payload}
		},
		external,
		func(ns Namespace) {},
	)

	require.NoError(t, inst.Init(ctx))
	public, err := inst.OnJoined(ctx, map[Namespace][]PeerState{})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"ok":true}`), public["echo"])

	resp, ok, err := inst.DispatchWS(ctx, "echo", json.RawMessage(`{"hello":1}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, json.RawMessage(`{"hello":1}`), resp)

	_, ok, err = inst.DispatchWS(ctx, "nonexistent", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)

	inst.OnLeaving(ctx)
	m := inst.Module("echo").(*recordingModule)
	assert.True(t, m.left)

	inst.OnDestroy(ctx, true)
	assert.True(t, destroyedRoom)
}

func TestRegistryRegisterDuplicateNamespacePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func() Module { return &recordingModule{ns: "echo"} })
	assert.Panics(t, func() {
		reg.Register("echo", func() Module { return &recordingModule{ns: "echo"} })
	})
}

func TestHostScheduleExternalAndInvalidate(t *testing.T) {
	c, b := newTestDeps(t)
	ctx := context.Background()
	_ = ctx
	room := ids.NewSignalingRoomId(ids.NewRoomId())
	participant := ids.NewParticipantId()
	external := make(chan ExternalEvent, 1)
	invalidated := false

	h := NewHost(room, participant, RoleParticipant, "media", c, b,
		func(Namespace, any) {},
		external,
		func(Namespace) { invalidated = true },
	)

	h.ScheduleExternal("timer-fired")
	select {
	case ev := <-external:
		assert.Equal(t, Namespace("media"), ev.Namespace)
		assert.Equal(t, "timer-fired", ev.Event)
	default:
		t.Fatal("expected scheduled external event")
	}

	h.InvalidateData()
	assert.True(t, invalidated)
	assert.Equal(t, "signaling:"+room.String()+":foo", h.DeriveCacheKey("foo"))
}
