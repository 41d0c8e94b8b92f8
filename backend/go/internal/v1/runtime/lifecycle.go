package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"go.uber.org/zap"
)

// join runs the five-step join sequence: the caller has already
// authenticated the websocket upgrade, so this starts at step 2.
func (p *Participant) join(ctx context.Context) error {
	// 2. Under the room lock: add the participant to the participant-set
	// and record its role.
	lock, err := p.hub.cache.Lock(ctx, roomLockKey(p.room), roomLockLease, roomLockLease)
	if err != nil {
		return fmt.Errorf("acquire room lock: %w", err)
	}
	if err := p.hub.cache.SAdd(ctx, participantsSetKey(p.room), p.id.String()); err != nil {
		_ = lock.Release(ctx)
		return fmt.Errorf("add participant to roster: %w", err)
	}
	if err := p.hub.cache.HSet(ctx, roleHashKey(p.room), p.id.String(), []byte(p.role)); err != nil {
		_ = lock.Release(ctx)
		return fmt.Errorf("record participant role: %w", err)
	}
	if err := lock.Release(ctx); err != nil {
		return fmt.Errorf("release room lock: %w", err)
	}

	// 3. Instantiate each registered module's per-participant state.
	p.modules = p.hub.registry.Instantiate(p.room, p.id, p.role, p.hub.cache, p.hub.bus,
		p.sendEnvelope, p.external, p.onInvalidate)
	if err := p.modules.Init(ctx); err != nil {
		return fmt.Errorf("init modules: %w", err)
	}

	peersByNS, peerIDs, err := p.peerSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("read peer state: %w", err)
	}

	publicByNS, err := p.modules.OnJoined(ctx, peersByNS)
	if err != nil {
		return fmt.Errorf("on_joined: %w", err)
	}

	// Record this participant's own public state so peers (and future
	// joiners) can read it back from the cache.
	for ns, public := range publicByNS {
		if public == nil {
			continue
		}
		if err := p.hub.cache.HSet(ctx, moduleStateHashKey(p.room, string(ns)), p.id.String(), public); err != nil {
			return fmt.Errorf("record own module state %q: %w", ns, err)
		}
	}

	// 4. Send a single join_success envelope.
	peers := make([]peerJoinSuccessInfo, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		info := peerJoinSuccessInfo{Participant: peerID, Modules: make(map[modhost.Namespace]json.RawMessage)}
		for ns, states := range peersByNS {
			for _, st := range states {
				if st.Participant.String() == peerID {
					info.Modules[ns] = st.Public
				}
			}
		}
		peers = append(peers, info)
	}
	p.sendEnvelope(controlNamespace, joinSuccessPayload{
		Room:  p.room.String(),
		Self:  p.id.String(),
		Peers: peers,
	})

	// 5. Publish participant-joined on the room exchange.
	if err := publishControl(ctx, p.hub.bus, p.room, participantJoinedNamespace, participantEventPayload{
		Participant: p.id.String(),
		Modules:     publicByNS,
	}); err != nil {
		p.log.Warn("failed to publish participant-joined", zap.Error(err))
	}

	return nil
}

// peerSnapshot reads every module's public-state hash for the room and
// returns it grouped by namespace (for OnJoined) plus the flat list of
// peer participant ids currently present, excluding self.
func (p *Participant) peerSnapshot(ctx context.Context) (map[modhost.Namespace][]modhost.PeerState, []string, error) {
	roster, err := p.hub.cache.SMembers(ctx, participantsSetKey(p.room))
	if err != nil {
		return nil, nil, err
	}
	peerIDs := make([]string, 0, len(roster))
	for _, member := range roster {
		if member != p.id.String() {
			peerIDs = append(peerIDs, member)
		}
	}

	out := make(map[modhost.Namespace][]modhost.PeerState)
	for _, ns := range p.hub.registry.Namespaces() {
		fields, err := p.hub.cache.HGetAll(ctx, moduleStateHashKey(p.room, string(ns)))
		if err != nil {
			return nil, nil, fmt.Errorf("read module state %q: %w", ns, err)
		}
		var states []modhost.PeerState
		for _, peerID := range peerIDs {
			raw, ok := fields[peerID]
			if !ok {
				continue
			}
			parsed, err := ids.ParseParticipantId(peerID)
			if err != nil {
				continue
			}
			states = append(states, modhost.PeerState{Participant: parsed, Public: json.RawMessage(raw)})
		}
		out[ns] = states
	}
	return out, peerIDs, nil
}

// leave runs the leave sequence: module on_leaving hooks, room-lock roster
// removal, participant-left publish, and on_destroy (room-wide purge if
// this was the last participant).
func (p *Participant) leave(ctx context.Context) {
	if p.modules == nil {
		// join never completed far enough to build module state; nothing
		// to tear down beyond the websocket itself.
		return
	}

	p.modules.OnLeaving(ctx)

	lock, err := p.hub.cache.Lock(ctx, roomLockKey(p.room), roomLockLease, roomLockLease)
	if err != nil {
		p.log.Error("failed to acquire room lock on leave", zap.Error(err))
		return
	}
	if err := p.hub.cache.SRem(ctx, participantsSetKey(p.room), p.id.String()); err != nil {
		p.log.Error("failed to remove participant from roster", zap.Error(err))
	}
	if err := p.hub.cache.HDel(ctx, roleHashKey(p.room), p.id.String()); err != nil {
		p.log.Error("failed to remove participant role", zap.Error(err))
	}
	for _, ns := range p.hub.registry.Namespaces() {
		if err := p.hub.cache.HDel(ctx, moduleStateHashKey(p.room, string(ns)), p.id.String()); err != nil {
			p.log.Error("failed to remove participant module state", zap.String("namespace", string(ns)), zap.Error(err))
		}
	}
	remaining, err := p.hub.cache.SCard(ctx, participantsSetKey(p.room))
	if err != nil {
		p.log.Error("failed to read roster cardinality", zap.Error(err))
	}
	if relErr := lock.Release(ctx); relErr != nil {
		p.log.Error("failed to release room lock on leave", zap.Error(relErr))
	}

	if err := publishControl(ctx, p.hub.bus, p.room, participantLeftNamespace, participantEventPayload{
		Participant: p.id.String(),
	}); err != nil {
		p.log.Warn("failed to publish participant-left", zap.Error(err))
	}

	destroyRoom := remaining == 0
	p.modules.OnDestroy(ctx, destroyRoom)
	p.hub.unregister(p.room, p.id)
}

// onPeerJoined handles a participant-joined bus delivery from a peer's
// runtime: fans it to every module's on_participant_joined hook and mirrors
// it to the client as a control frame.
func (p *Participant) onPeerJoined(ctx context.Context, raw json.RawMessage) {
	var ev participantEventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		p.log.Warn("failed to decode participant-joined event", zap.Error(err))
		return
	}
	peerID, err := ids.ParseParticipantId(ev.Participant)
	if err != nil || peerID == p.id {
		return
	}
	p.modules.ParticipantJoined(ctx, peerID, ev.Modules)
	p.sendEnvelope(controlNamespace, participantEventPayload{Participant: ev.Participant, Modules: ev.Modules})
}

func (p *Participant) onPeerLeft(ctx context.Context, raw json.RawMessage) {
	var ev participantEventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		p.log.Warn("failed to decode participant-left event", zap.Error(err))
		return
	}
	peerID, err := ids.ParseParticipantId(ev.Participant)
	if err != nil || peerID == p.id {
		return
	}
	p.modules.ParticipantLeft(ctx, peerID)
	p.sendEnvelope(controlNamespace, participantEventPayload{Participant: ev.Participant})
}

// onPeerInvalidate re-reads the named module's public state for the
// affected participant from cache (authoritative) and feeds it to
// on_participant_updated, mirroring the refreshed state to the client.
func (p *Participant) onPeerInvalidate(ctx context.Context, raw json.RawMessage) {
	var ev invalidatePayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		p.log.Warn("failed to decode invalidate event", zap.Error(err))
		return
	}
	peerID, err := ids.ParseParticipantId(ev.Participant)
	if err != nil || peerID == p.id {
		return
	}
	field, err := p.hub.cache.HGet(ctx, moduleStateHashKey(p.room, string(ev.Namespace)), ev.Participant)
	if err != nil {
		p.log.Warn("failed to read invalidated module state", zap.Error(err))
		return
	}
	p.modules.ParticipantUpdated(ctx, peerID, ev.Namespace, field)
	p.sendEnvelope(controlNamespace, participantEventPayload{
		Participant: ev.Participant,
		Modules:     map[modhost.Namespace]json.RawMessage{ev.Namespace: field},
	})
}

// onInvalidate is the Host.InvalidateData callback: it writes this
// participant's freshest public state for the namespace back to the cache
// (so re-readers, including future joiners, see it), then publishes an
// invalidate event so every peer's runtime refreshes its view.
func (p *Participant) onInvalidate(ns modhost.Namespace) {
	ctx := context.Background()
	m := p.modules.Module(ns)
	if m == nil {
		return
	}
	public, err := m.PublicState(ctx)
	if err != nil {
		p.log.Warn("invalidate: module failed to report state", zap.String("namespace", string(ns)), zap.Error(err))
		return
	}
	if public != nil {
		if err := p.hub.cache.HSet(ctx, moduleStateHashKey(p.room, string(ns)), p.id.String(), public); err != nil {
			p.log.Warn("invalidate: failed to persist module state", zap.Error(err))
			return
		}
	}
	if err := publishControl(ctx, p.hub.bus, p.room, invalidateNamespace, invalidatePayload{
		Participant: p.id.String(),
		Namespace:   ns,
	}); err != nil {
		p.log.Warn("invalidate: failed to publish", zap.Error(err))
	}
}
