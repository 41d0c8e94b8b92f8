package modhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
)

// Registry holds one registered Factory per namespace, shared process-wide.
// The runtime asks the registry to Instantiate a fresh set of per-participant
// module instances at join time.
type Registry struct {
	factories map[Namespace]Factory
}

// NewRegistry builds an empty registry; register every module's factory with
// Register before any participant joins.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Namespace]Factory)}
}

// Register adds a module factory under its own namespace. Panics on a
// duplicate namespace, since that is a startup wiring bug, not a runtime
// condition any caller should need to handle.
func (r *Registry) Register(ns Namespace, f Factory) {
	if _, exists := r.factories[ns]; exists {
		panic(fmt.Sprintf("modhost: namespace %q already registered", ns))
	}
	r.factories[ns] = f
}

// Namespaces returns every registered namespace, sorted for deterministic
// join_success payload ordering.
func (r *Registry) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(r.factories))
	for ns := range r.factories {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Instance is one participant's set of live module instances, keyed by
// namespace, plus the per-namespace Host each was built with.
type Instance struct {
	modules map[Namespace]Module
	hosts   map[Namespace]*Host
}

// Instantiate builds a fresh Module + Host pair for every registered
// namespace, for one participant joining one room. Does not call Init;
// the caller drives the join sequence explicitly so it can control
// ordering and error handling per participant.
func (r *Registry) Instantiate(
	room ids.SignalingRoomId,
	participant ids.ParticipantId,
	role Role,
	c *cache.Gateway,
	b *bus.Gateway,
	send func(namespace Namespace, payload any),
	external chan<- ExternalEvent,
	invalidate func(namespace Namespace),
) *Instance {
	inst := &Instance{
		modules: make(map[Namespace]Module, len(r.factories)),
		hosts:   make(map[Namespace]*Host, len(r.factories)),
	}
	for ns, factory := range r.factories {
		inst.modules[ns] = factory()
		inst.hosts[ns] = NewHost(room, participant, role, ns, c, b, send, external, invalidate)
	}
	return inst
}

// Namespaces returns the instance's namespaces, sorted.
func (inst *Instance) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(inst.modules))
	for ns := range inst.modules {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Module returns the instance for a namespace, or nil if unregistered.
func (inst *Instance) Module(ns Namespace) Module { return inst.modules[ns] }

// Init calls Init on every module instance, in namespace order, stopping and
// returning the first error encountered.
func (inst *Instance) Init(ctx context.Context) error {
	for _, ns := range inst.Namespaces() {
		if err := inst.modules[ns].Init(ctx, inst.hosts[ns]); err != nil {
			return fmt.Errorf("modhost: init %q: %w", ns, err)
		}
	}
	return nil
}

// OnJoined calls OnJoined on every module instance and assembles the
// per-namespace public-state map for the join_success envelope.
func (inst *Instance) OnJoined(ctx context.Context, peersByNamespace map[Namespace][]PeerState) (map[Namespace]json.RawMessage, error) {
	out := make(map[Namespace]json.RawMessage, len(inst.modules))
	for _, ns := range inst.Namespaces() {
		public, err := inst.modules[ns].OnJoined(ctx, peersByNamespace[ns])
		if err != nil {
			return nil, fmt.Errorf("modhost: on_joined %q: %w", ns, err)
		}
		out[ns] = public
	}
	return out, nil
}

// OnLeaving calls OnLeaving on every module instance.
func (inst *Instance) OnLeaving(ctx context.Context) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnLeaving(ctx)
	}
}

// OnDestroy calls OnDestroy on every module instance.
func (inst *Instance) OnDestroy(ctx context.Context, destroyRoom bool) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnDestroy(ctx, destroyRoom)
	}
}

// DispatchWS routes a decoded websocket frame to the module registered for
// its namespace. Returns false if no module owns that namespace (the
// runtime should surface a protocol-violation error to the client).
func (inst *Instance) DispatchWS(ctx context.Context, ns Namespace, payload json.RawMessage) (json.RawMessage, bool, error) {
	m, ok := inst.modules[ns]
	if !ok {
		return nil, false, nil
	}
	resp, err := m.OnWSMessage(ctx, payload)
	return resp, true, err
}

// DispatchBus routes a bus delivery published under a module's namespace.
func (inst *Instance) DispatchBus(ctx context.Context, ns Namespace, payload json.RawMessage) {
	if m, ok := inst.modules[ns]; ok {
		m.OnBusMessage(ctx, payload)
	}
}

// DispatchExternal routes a scheduled external event back to its module.
func (inst *Instance) DispatchExternal(ctx context.Context, ev ExternalEvent) {
	if m, ok := inst.modules[ev.Namespace]; ok {
		m.OnExternal(ctx, ev.Event)
	}
}

// ParticipantJoined/Left/Updated fan a peer lifecycle event out to every
// module instance so each can recompute what it exposes about that peer.
func (inst *Instance) ParticipantJoined(ctx context.Context, p ids.ParticipantId, public map[Namespace]json.RawMessage) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnParticipantJoined(ctx, p, public[ns])
	}
}

func (inst *Instance) ParticipantLeft(ctx context.Context, p ids.ParticipantId) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnParticipantLeft(ctx, p)
	}
}

func (inst *Instance) ParticipantUpdated(ctx context.Context, p ids.ParticipantId, ns Namespace, public json.RawMessage) {
	if m, ok := inst.modules[ns]; ok {
		m.OnParticipantUpdated(ctx, p, public)
	}
}

// RaiseHand/LowerHand fan out to every module (a moderation module might
// care about hand-raise state independent of which namespace raised it).
func (inst *Instance) RaiseHand(ctx context.Context) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnRaiseHand(ctx)
	}
}

func (inst *Instance) LowerHand(ctx context.Context) {
	for _, ns := range inst.Namespaces() {
		inst.modules[ns].OnLowerHand(ctx)
	}
}
