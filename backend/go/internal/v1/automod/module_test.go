package automod

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// participantFixture wires one Module instance into a shared room, relaying
// anything published to the room exchange back into every fixture's own
// OnBusMessage — the same fan-out a real runtime's bus subscription would
// perform, reproduced by hand since there is no runtime in this test.
type participantFixture struct {
	t           *testing.T
	ctx         context.Context
	module      *Module
	participant ids.ParticipantId
	role        modhost.Role

	mu          sync.Mutex
	sent        []any
	invalidated int
}

type roomFixture struct {
	t    *testing.T
	ctx  context.Context
	c    *cache.Gateway
	b    *bus.Gateway
	room ids.SignalingRoomId

	mu   sync.Mutex
	all  []*participantFixture
}

func newRoomFixture(t *testing.T) *roomFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	b := bus.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rf := &roomFixture{t: t, ctx: ctx, c: c, b: b, room: ids.NewSignalingRoomId(ids.NewRoomId())}

	exchange := "room." + rf.room.String()
	deliveries := b.Subscribe(ctx, "test-automod-fanout", exchange, "")
	go func() {
		for d := range deliveries {
			rf.mu.Lock()
			targets := append([]*participantFixture(nil), rf.all...)
			rf.mu.Unlock()
			for _, pf := range targets {
				pf.module.OnBusMessage(ctx, d.Payload)
			}
		}
	}()

	return rf
}

func (rf *roomFixture) join(role modhost.Role) *participantFixture {
	rf.t.Helper()
	pf := &participantFixture{t: rf.t, ctx: rf.ctx, participant: ids.NewParticipantId(), role: role}

	m := NewFactory(zap.NewNop())().(*Module)
	external := make(chan modhost.ExternalEvent, 8)
	host := modhost.NewHost(rf.room, pf.participant, role, Namespace, rf.c, rf.b,
		func(ns modhost.Namespace, payload any) {
			pf.mu.Lock()
			pf.sent = append(pf.sent, payload)
			pf.mu.Unlock()
		},
		external,
		func(ns modhost.Namespace) {
			pf.mu.Lock()
			pf.invalidated++
			pf.mu.Unlock()
		},
	)
	require.NoError(rf.t, m.Init(rf.ctx, host))
	pf.module = m

	rf.mu.Lock()
	rf.all = append(rf.all, pf)
	rf.mu.Unlock()
	return pf
}

func (pf *participantFixture) send(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(pf.t, err)
	resp, err := pf.module.OnWSMessage(pf.ctx, raw)
	require.NoError(pf.t, err)
	return resp
}

func (pf *participantFixture) lastSent() any {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if len(pf.sent) == 0 {
		return nil
	}
	return pf.sent[len(pf.sent)-1]
}

func (pf *participantFixture) sentCount() int {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return len(pf.sent)
}

func (pf *participantFixture) snapshotSent() []any {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return append([]any(nil), pf.sent...)
}

// waitForSent polls until pf has received at least n frames, to absorb the
// async bus fan-out goroutine.
func (pf *participantFixture) waitForSent(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return pf.sentCount() >= n }, time.Second, time.Millisecond)
}

func TestStartRequiresModerator(t *testing.T) {
	rf := newRoomFixture(t)
	p := rf.join(modhost.RoleParticipant)

	resp := p.send(inbound{Action: actionStart, SelectionStrategy: StrategyRandom, AllowList: []ids.ParticipantId{ids.NewParticipantId()}})
	var errOut errorOut
	require.NoError(t, json.Unmarshal(resp, &errOut))
	assert.Equal(t, codeInsufficientPermissions, errOut.Code)
}

func TestStartRejectsEmptyPlaylistForPlaylistStrategy(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)

	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyPlaylist})
	var errOut errorOut
	require.NoError(t, json.Unmarshal(resp, &errOut))
	assert.Equal(t, codeInvalidSelection, errOut.Code)
}

func TestStartStopLifecycle(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	peer := rf.join(modhost.RoleParticipant)

	allow := []ids.ParticipantId{peer.participant}
	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyNomination, AllowList: allow})
	assert.Nil(t, resp)

	peer.waitForSent(t, 1)
	started, ok := peer.lastSent().(configAnnounceOut)
	require.True(t, ok)
	assert.Equal(t, "started", started.Type)
	assert.Equal(t, StrategyNomination, started.Config.Parameter.SelectionStrategy)

	public, err := mod.module.PublicState(mod.ctx)
	require.NoError(t, err)
	var ps publicState
	require.NoError(t, json.Unmarshal(public, &ps))
	require.NotNil(t, ps.Config)
	assert.Nil(t, ps.Speaker)

	resp = mod.send(inbound{Action: actionStop})
	assert.Nil(t, resp)
	peer.waitForSent(t, 2)
	stopped, ok := peer.lastSent().(stoppedOut)
	require.True(t, ok)
	assert.Equal(t, "stopped", stopped.Type)

	public, err = mod.module.PublicState(mod.ctx)
	require.NoError(t, err)
	assert.Nil(t, public)
}

func TestSelectSpecificRejectsIneligibleParticipant(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	eligible := rf.join(modhost.RoleParticipant)
	stranger := ids.NewParticipantId()

	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyNomination, AllowList: []ids.ParticipantId{eligible.participant}})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindSpecific, Participant: &stranger})
	var errOut errorOut
	require.NoError(t, json.Unmarshal(resp, &errOut))
	assert.Equal(t, codeInvalidSelection, errOut.Code)
}

func TestNominationDisallowsDoubleSelectionByDefault(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	speaker := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyNomination, AllowList: []ids.ParticipantId{speaker.participant}})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindSpecific, Participant: &speaker.participant})
	assert.Nil(t, resp)

	// the nominee was consumed from the allow-list; nominating again fails
	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindSpecific, Participant: &speaker.participant})
	var errOut errorOut
	require.NoError(t, json.Unmarshal(resp, &errOut))
	assert.Equal(t, codeInvalidSelection, errOut.Code)
}

func TestPlaylistStrategyAdvancesInOrderOnYield(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	first := rf.join(modhost.RoleParticipant)
	second := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{
		Action:            actionStart,
		SelectionStrategy: StrategyPlaylist,
		Playlist:          []ids.ParticipantId{first.participant, second.participant},
	})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindNext})
	assert.Nil(t, resp)
	first.waitForSent(t, 2)
	upd, ok := first.lastSent().(speakerUpdatedOut)
	require.True(t, ok)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, first.participant, *upd.Speaker)

	resp = first.send(inbound{Action: actionYield})
	assert.Nil(t, resp)
	second.waitForSent(t, 3)
	upd, ok = second.lastSent().(speakerUpdatedOut)
	require.True(t, ok)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, second.participant, *upd.Speaker)
}

func TestYieldIgnoredWhenNotCurrentSpeaker(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	bystander := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyRandom, AllowList: []ids.ParticipantId{bystander.participant}})
	assert.Nil(t, resp)

	// nobody is speaking yet; a yield from an uninvolved participant is a
	// silent no-op, not an error.
	resp = bystander.send(inbound{Action: actionYield})
	assert.Nil(t, resp)
}

func TestRandomStrategyWithoutAnimationPicksFromPool(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	only := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{Action: actionStart, SelectionStrategy: StrategyRandom, AllowList: []ids.ParticipantId{only.participant}})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindRandom})
	assert.Nil(t, resp)

	only.waitForSent(t, 2)
	upd, ok := only.lastSent().(speakerUpdatedOut)
	require.True(t, ok)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, only.participant, *upd.Speaker)
}

func TestRandomStrategyWithAnimationDefersSpeakerUntilAnimationEnds(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	only := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{
		Action:            actionStart,
		SelectionStrategy: StrategyRandom,
		AllowList:         []ids.ParticipantId{only.participant},
		AnimationOnRandom: boolPtr(true),
	})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindRandom})
	assert.Nil(t, resp)

	only.waitForSent(t, 2)
	anim, ok := only.lastSent().(startAnimationOut)
	require.True(t, ok)
	assert.Equal(t, only.participant, anim.Result)

	require.NotNil(t, mod.module.currentAnimationID)
	staleID := uuid.New()
	mod.module.onAnimationEnd(mod.ctx, animationEndExternal{id: staleID, result: only.participant})
	assert.Equal(t, 2, only.sentCount(), "stale animation id must not promote a speaker")

	mod.module.onAnimationEnd(mod.ctx, animationEndExternal{id: *mod.module.currentAnimationID, result: only.participant})
	only.waitForSent(t, 3)
	upd, ok := only.lastSent().(speakerUpdatedOut)
	require.True(t, ok)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, only.participant, *upd.Speaker)
}

func TestTimeLimitExpirySchedulesAndAdvances(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	first := rf.join(modhost.RoleParticipant)
	second := rf.join(modhost.RoleParticipant)

	limit := 50 * time.Millisecond
	resp := mod.send(inbound{
		Action:            actionStart,
		SelectionStrategy: StrategyPlaylist,
		Playlist:          []ids.ParticipantId{first.participant, second.participant},
		TimeLimit:         &limit,
	})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindNext})
	assert.Nil(t, resp)
	first.waitForSent(t, 2)
	require.NotNil(t, first.module.currentExpiryID)

	staleID := uuid.New()
	first.module.onExpiry(first.ctx, expiryExternal{id: staleID})
	assert.Equal(t, 2, first.sentCount(), "stale expiry id must not advance the speaker")

	first.module.onExpiry(first.ctx, expiryExternal{id: *first.module.currentExpiryID})
	second.waitForSent(t, 3)
	upd, ok := second.lastSent().(speakerUpdatedOut)
	require.True(t, ok)
	require.NotNil(t, upd.Speaker)
	assert.Equal(t, second.participant, *upd.Speaker)
}

func TestOnLeavingRemovesFromListsAndPromotesNext(t *testing.T) {
	rf := newRoomFixture(t)
	mod := rf.join(modhost.RoleModerator)
	leaving := rf.join(modhost.RoleParticipant)
	next := rf.join(modhost.RoleParticipant)

	resp := mod.send(inbound{
		Action:            actionStart,
		SelectionStrategy: StrategyPlaylist,
		Playlist:          []ids.ParticipantId{leaving.participant, next.participant},
	})
	assert.Nil(t, resp)

	resp = mod.send(inbound{Action: actionSelect, Kind: selectKindNext})
	assert.Nil(t, resp)
	leaving.waitForSent(t, 2)

	leaving.module.OnLeaving(leaving.ctx)

	next.waitForSent(t, 4)
	var sawRemaining, sawSpeaker bool
	for _, s := range next.snapshotSent() {
		switch v := s.(type) {
		case remainingUpdatedOut:
			sawRemaining = true
		case speakerUpdatedOut:
			if v.Speaker != nil && *v.Speaker == next.participant {
				sawSpeaker = true
			}
		}
	}
	assert.True(t, sawRemaining, "expected a remaining_updated frame after the leave")
	assert.True(t, sawSpeaker, "expected the playlist to advance to the remaining participant")
}

func boolPtr(b bool) *bool { return &b }
