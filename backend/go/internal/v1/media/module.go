package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfuclient"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfupool"
	"go.uber.org/zap"
)

// Event kinds the SFU plugin client's untagged event stream carries, per
// original_source/crates/janus-media/src/lib.rs's WebRtcEvent variants
// (WebRtcUp, WebRtcDown, SlowLink, Trickle::Completed).
const (
	eventKindWebRTCUp           = "webrtc-up"
	eventKindWebRTCDown         = "webrtc-down"
	eventKindSlowLinkUpstream   = "slow-link-upstream"
	eventKindSlowLinkDownstream = "slow-link-downstream"
	eventKindTrickle            = "trickle"
)

// publication is one of this participant's own active publisher sessions.
type publication struct {
	publisher *sfupool.Publisher
	state     sessionState
	stop      chan struct{}
}

// subscription is a handle this participant holds onto a peer's publisher.
type subscription struct {
	subscriber *sfupool.Subscriber
	stop       chan struct{}
}

// disconnectExternal is scheduled back to the module when a publication or
// subscription's backend goes away (keepalive failure or reload drain).
type disconnectExternal struct {
	target     target
	isPublish  bool
}

// sfuExternal carries an untagged plugin event (trickle, webrtc-up/down,
// slow-link) back to the module for translation into an outbound message.
type sfuExternal struct {
	target    target
	isPublish bool
	event     sfuclient.Event
}

// Module is the per-participant media module instance. A fresh Module is
// built for every joining participant by the Factory returned from
// NewFactory; no state is shared across participants or rooms.
type Module struct {
	pool *sfupool.Pool
	log  *zap.Logger
	host *modhost.Host

	mu            sync.Mutex
	publications  map[ids.MediaSessionType]*publication
	subscriptions map[ids.MediaSessionKey]*subscription
	peerSessions  map[ids.ParticipantId]map[ids.MediaSessionType]sessionState
}

// NewFactory builds a modhost.Factory that constructs a fresh Module backed
// by pool for every participant that joins a room.
func NewFactory(pool *sfupool.Pool, log *zap.Logger) modhost.Factory {
	return func() modhost.Module {
		return &Module{
			pool:          pool,
			log:           log,
			publications:  make(map[ids.MediaSessionType]*publication),
			subscriptions: make(map[ids.MediaSessionKey]*subscription),
			peerSessions:  make(map[ids.ParticipantId]map[ids.MediaSessionType]sessionState),
		}
	}
}

func (m *Module) Namespace() modhost.Namespace { return Namespace }

func (m *Module) Init(ctx context.Context, h *modhost.Host) error {
	m.host = h
	return nil
}

// OnJoined records every peer's currently-published media sessions (for the
// stale-subscriber comparison on later updates) and returns this
// participant's own public state, empty at join time since nothing has been
// published yet.
func (m *Module) OnJoined(ctx context.Context, peers []modhost.PeerState) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range peers {
		m.peerSessions[peer.Participant] = decodePeerSessions(peer.Public)
	}
	return m.publicStateLocked()
}

// PublicState reports what this participant is currently publishing, called
// whenever InvalidateData fires so peers can refresh their view without
// re-running OnJoined.
func (m *Module) PublicState(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicStateLocked()
}

func (m *Module) publicStateLocked() (json.RawMessage, error) {
	out := make(map[ids.MediaSessionType]sessionState, len(m.publications))
	for t, pub := range m.publications {
		out[t] = pub.state
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("media: marshal public state: %w", err)
	}
	return raw, nil
}

func decodePeerSessions(raw json.RawMessage) map[ids.MediaSessionType]sessionState {
	out := make(map[ids.MediaSessionType]sessionState)
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// OnParticipantJoined records a newly-joined peer's published media sessions.
func (m *Module) OnParticipantJoined(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerSessions[p] = decodePeerSessions(public)
}

// OnParticipantUpdated refreshes a peer's advertised media sessions and
// tears down any subscriber this participant holds whose target no longer
// exists in the peer's new set.
func (m *Module) OnParticipantUpdated(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
	next := decodePeerSessions(public)

	m.mu.Lock()
	m.peerSessions[p] = next
	var stale []ids.MediaSessionKey
	for key := range m.subscriptions {
		if key.Participant != p {
			continue
		}
		if _, ok := next[key.Type]; !ok {
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		m.teardownSubscription(ctx, key)
	}
}

// OnParticipantLeft tears down every subscriber this participant holds
// targeting the departed peer, regardless of what it last advertised.
func (m *Module) OnParticipantLeft(ctx context.Context, p ids.ParticipantId) {
	m.mu.Lock()
	delete(m.peerSessions, p)
	var toRemove []ids.MediaSessionKey
	for key := range m.subscriptions {
		if key.Participant == p {
			toRemove = append(toRemove, key)
		}
	}
	m.mu.Unlock()

	for _, key := range toRemove {
		m.teardownSubscription(ctx, key)
	}
}

// OnLeaving tears down every publication and subscription this participant
// holds, since the participant itself is leaving.
func (m *Module) OnLeaving(ctx context.Context) {
	m.mu.Lock()
	pubs := m.publications
	m.publications = make(map[ids.MediaSessionType]*publication)
	subs := m.subscriptions
	m.subscriptions = make(map[ids.MediaSessionKey]*subscription)
	m.mu.Unlock()

	for _, pub := range pubs {
		close(pub.stop)
		if err := m.pool.RemovePublisher(ctx, pub.publisher); err != nil {
			m.log.Warn("media: failed to remove publisher on leave", zap.Error(err))
		}
	}
	for _, sub := range subs {
		close(sub.stop)
		if err := m.pool.RemoveSubscriber(ctx, sub.subscriber); err != nil {
			m.log.Warn("media: failed to remove subscriber on leave", zap.Error(err))
		}
	}
}

func (m *Module) OnDestroy(ctx context.Context, destroyRoom bool) {}
func (m *Module) OnBusMessage(ctx context.Context, payload json.RawMessage) {}
func (m *Module) OnRaiseHand(ctx context.Context) {}
func (m *Module) OnLowerHand(ctx context.Context) {}

// OnWSMessage decodes an inbound media message and dispatches it by Type.
func (m *Module) OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return json.Marshal(newErrorOut("malformed media message"))
	}

	switch in.Type {
	case typePublish:
		return m.handlePublish(ctx, in)
	case typePublishComplete:
		return m.handlePublishComplete(ctx, in)
	case typeUpdateMediaSession:
		return m.handleUpdateMediaSession(ctx, in)
	case typeUnpublish:
		return m.handleUnpublish(ctx, in)
	case typeSubscribe:
		return m.handleSubscribe(ctx, in)
	case typeSdpAnswer:
		return m.handleSdpAnswer(ctx, in)
	case typeSdpCandidate:
		return m.handleSdpCandidate(ctx, in)
	case typeSdpEndOfCandidates:
		return m.handleSdpEndOfCandidates(ctx, in)
	case typeConfigure:
		return m.handleConfigure(ctx, in)
	default:
		return json.Marshal(newErrorOut(fmt.Sprintf("unknown media message type %q", in.Type)))
	}
}

func (m *Module) handlePublish(ctx context.Context, in inbound) (json.RawMessage, error) {
	if in.Target.Participant != m.host.ParticipantId() {
		return json.Marshal(newErrorOut("publish target must be self"))
	}

	pub, err := m.pool.NewPublisher(ctx, in.Target.key())
	if err != nil {
		m.log.Warn("media: failed to place publisher", zap.Error(err))
		return json.Marshal(newErrorOut("failed to create publisher"))
	}

	resp, err := pub.Handle.Send(ctx, map[string]string{"request": "publish"}, in.Sdp)
	if err != nil {
		m.log.Warn("media: publish request failed", zap.Error(err))
		return json.Marshal(newErrorOut("failed to negotiate publish"))
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.publications[in.Target.MediaSessionType] = &publication{publisher: pub, stop: stop}
	m.mu.Unlock()

	m.watch(in.Target, true, pub.Disconnected(), pub.Handle.Events(), stop)

	return json.Marshal(sdpAnswerOut{Type: "sdp_answer", Source: sourceOf(in.Target), Sdp: resp.Jsep})
}

func (m *Module) handlePublishComplete(ctx context.Context, in inbound) (json.RawMessage, error) {
	m.mu.Lock()
	pub, ok := m.publications[in.Target.MediaSessionType]
	if ok && in.State != nil {
		pub.state = *in.State
	}
	m.mu.Unlock()
	if !ok {
		return json.Marshal(newErrorOut("publish_complete for non-existent session"))
	}
	m.host.InvalidateData()
	return nil, nil
}

func (m *Module) handleUpdateMediaSession(ctx context.Context, in inbound) (json.RawMessage, error) {
	m.mu.Lock()
	pub, ok := m.publications[in.Target.MediaSessionType]
	if ok && in.State != nil {
		pub.state = *in.State
	}
	m.mu.Unlock()
	if !ok {
		return json.Marshal(newErrorOut("update_media_session for non-existent session"))
	}
	m.host.InvalidateData()
	return nil, nil
}

func (m *Module) handleUnpublish(ctx context.Context, in inbound) (json.RawMessage, error) {
	m.mu.Lock()
	pub, ok := m.publications[in.Target.MediaSessionType]
	if ok {
		delete(m.publications, in.Target.MediaSessionType)
	}
	m.mu.Unlock()
	if !ok {
		// Unpublish is idempotent: a repeat for an already-removed session is
		// a no-op, not an error.
		return nil, nil
	}

	close(pub.stop)
	if err := m.pool.RemovePublisher(ctx, pub.publisher); err != nil {
		m.log.Warn("media: failed to remove publisher", zap.Error(err))
	}
	m.host.InvalidateData()
	return nil, nil
}

func (m *Module) handleSubscribe(ctx context.Context, in inbound) (json.RawMessage, error) {
	if in.Target.Participant == m.host.ParticipantId() {
		return json.Marshal(newErrorOut("cannot subscribe to self"))
	}

	key := in.Target.key()
	sub, err := m.pool.NewSubscriber(ctx, key)
	if err != nil {
		m.log.Warn("media: failed to place subscriber", zap.Error(err))
		return json.Marshal(newErrorOut("failed to subscribe"))
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.subscriptions[key] = &subscription{subscriber: sub, stop: stop}
	m.mu.Unlock()

	m.watch(in.Target, false, sub.Disconnected(), sub.Handle.Events(), stop)

	return json.Marshal(sdpOfferOut{Type: "sdp_offer", Source: sourceOf(in.Target), Sdp: sub.InitialOffer})
}

func (m *Module) handleSdpAnswer(ctx context.Context, in inbound) (json.RawMessage, error) {
	handle, isPublish, ok := m.handleFor(in.Target)
	if !ok {
		m.log.Warn("media: sdp_answer for non-existent session", zap.String("type", string(in.Target.MediaSessionType)))
		return json.Marshal(newErrorOut("failed to process sdp answer"))
	}
	request := "start"
	if isPublish {
		request = "configure"
	}
	if _, err := handle.Send(ctx, map[string]string{"request": request}, in.Sdp); err != nil {
		m.log.Warn("media: sdp_answer negotiation failed", zap.Error(err))
		return json.Marshal(newErrorOut("failed to process sdp answer"))
	}
	return nil, nil
}

func (m *Module) handleSdpCandidate(ctx context.Context, in inbound) (json.RawMessage, error) {
	handle, _, ok := m.handleFor(in.Target)
	if !ok {
		m.log.Warn("media: sdp_candidate for non-existent session", zap.String("type", string(in.Target.MediaSessionType)))
		return json.Marshal(newErrorOut("failed to process candidate"))
	}
	if err := handle.Trickle(ctx, in.Candidate); err != nil {
		m.log.Warn("media: trickle failed", zap.Error(err))
		return json.Marshal(newErrorOut("failed to process candidate"))
	}
	return nil, nil
}

func (m *Module) handleSdpEndOfCandidates(ctx context.Context, in inbound) (json.RawMessage, error) {
	handle, _, ok := m.handleFor(in.Target)
	if !ok {
		m.log.Warn("media: sdp_end_of_candidates for non-existent session", zap.String("type", string(in.Target.MediaSessionType)))
		return json.Marshal(newErrorOut("failed to process end-of-candidates"))
	}
	if err := handle.Trickle(ctx, json.RawMessage(`{"completed":true}`)); err != nil {
		m.log.Warn("media: trickle completed failed", zap.Error(err))
		return json.Marshal(newErrorOut("failed to process end-of-candidates"))
	}
	return nil, nil
}

func (m *Module) handleConfigure(ctx context.Context, in inbound) (json.RawMessage, error) {
	handle, _, ok := m.handleFor(in.Target)
	if !ok {
		return json.Marshal(newErrorOut("configure for non-existent session"))
	}
	body := struct {
		Request string          `json:"request"`
		Cfg     json.RawMessage `json:"cfg,omitempty"`
	}{Request: "configure", Cfg: in.Cfg}
	if _, err := handle.Send(ctx, body, nil); err != nil {
		m.log.Warn("media: configure failed", zap.Error(err))
		return json.Marshal(newErrorOut("failed to configure session"))
	}
	return nil, nil
}

// handleFor resolves target to the sfuclient.Handle owning that media
// session (own publisher if target is self, subscriber otherwise) and
// reports whether it was found.
func (m *Module) handleFor(t target) (*sfuclient.Handle, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Participant == m.host.ParticipantId() {
		pub, ok := m.publications[t.MediaSessionType]
		if !ok {
			return nil, true, false
		}
		return pub.publisher.Handle, true, true
	}
	sub, ok := m.subscriptions[t.key()]
	if !ok {
		return nil, false, false
	}
	return sub.subscriber.Handle, false, true
}

func (m *Module) teardownSubscription(ctx context.Context, key ids.MediaSessionKey) {
	m.mu.Lock()
	sub, ok := m.subscriptions[key]
	if ok {
		delete(m.subscriptions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(sub.stop)
	if err := m.pool.RemoveSubscriber(ctx, sub.subscriber); err != nil {
		m.log.Warn("media: failed to remove stale subscriber", zap.Error(err))
	}
}

// watch spawns the goroutines that translate a handle's Disconnected and
// Events channels into external events scheduled back onto this
// participant's runtime multiplexer, since the module itself has no select
// loop of its own.
func (m *Module) watch(t target, isPublish bool, disconnected <-chan struct{}, events <-chan sfuclient.Event, stop <-chan struct{}) {
	go func() {
		select {
		case <-disconnected:
			m.host.ScheduleExternal(disconnectExternal{target: t, isPublish: isPublish})
		case <-stop:
		}
	}()
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.host.ScheduleExternal(sfuExternal{target: t, isPublish: isPublish, event: ev})
			case <-stop:
				return
			}
		}
	}()
}

// OnExternal handles a scheduled disconnect or plugin event, translating it
// into the client-facing outbound message and any required state mutation.
func (m *Module) OnExternal(ctx context.Context, event any) {
	switch ev := event.(type) {
	case disconnectExternal:
		m.onDisconnect(ctx, ev)
	case sfuExternal:
		m.onSFUEvent(ctx, ev)
	}
}

func (m *Module) onDisconnect(ctx context.Context, ev disconnectExternal) {
	if ev.isPublish {
		m.mu.Lock()
		pub, ok := m.publications[ev.target.MediaSessionType]
		delete(m.publications, ev.target.MediaSessionType)
		m.mu.Unlock()
		if ok {
			close(pub.stop)
			if err := m.pool.RemovePublisher(ctx, pub.publisher); err != nil {
				m.log.Warn("media: failed to remove disconnected publisher", zap.Error(err))
			}
			m.host.Send(webrtcDownOut{Type: "webrtc_down", Source: sourceOf(ev.target)})
			m.host.InvalidateData()
		}
		return
	}
	m.teardownSubscription(ctx, ev.target.key())
	m.host.Send(webrtcDownOut{Type: "webrtc_down", Source: sourceOf(ev.target)})
}

func (m *Module) onSFUEvent(ctx context.Context, ev sfuExternal) {
	switch ev.event.Kind {
	case eventKindWebRTCUp:
		m.host.Send(webrtcUpOut{Type: "webrtc_up", Source: sourceOf(ev.target)})
	case eventKindWebRTCDown:
		m.onDisconnect(ctx, disconnectExternal{target: ev.target, isPublish: ev.isPublish})
	case eventKindSlowLinkUpstream:
		m.host.Send(webrtcSlowOut{Type: "webrtc_slow", Source: sourceOf(ev.target), Direction: "upstream"})
	case eventKindSlowLinkDownstream:
		m.host.Send(webrtcSlowOut{Type: "webrtc_slow", Source: sourceOf(ev.target), Direction: "downstream"})
	case eventKindTrickle:
		m.host.Send(sdpCandidateOut{Type: "sdp_candidate", Source: sourceOf(ev.target), Candidate: ev.event.Body})
	}
}
