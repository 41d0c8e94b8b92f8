package modhost

import (
	"context"
	"fmt"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
)

// roomExchange derives the bus exchange name for a signaling room, per
// spec's bus topology: one exchange per room named "room.<room_id>".
func roomExchange(room ids.SignalingRoomId) string {
	return "room." + room.String()
}

// allRoutingKey fans a payload to every runtime in the room.
const allRoutingKey = "all"

// RoomBus is the room-scoped slice of the bus gateway a module is allowed to
// use: publish to every runtime in the room, keyed to a transaction-agnostic
// routing key ("all" unless the caller knows better).
type RoomBus struct {
	gw   *bus.Gateway
	room ids.SignalingRoomId
}

// Publish fans payload to every runtime subscribed to this room's exchange.
func (r RoomBus) Publish(ctx context.Context, payload any) error {
	return r.gw.Publish(ctx, roomExchange(r.room), allRoutingKey, payload, "")
}

// Host is the set of capabilities the runtime offers a module instance:
// cache access, a room-scoped bus handle, a channel to push frames to this
// participant's websocket, external-event registration (for timers and
// async SFU events), and a peer-state invalidation trigger.
type Host struct {
	Cache *cache.Gateway
	Bus   RoomBus

	room        ids.SignalingRoomId
	participant ids.ParticipantId
	role        Role
	namespace   Namespace

	send       func(namespace Namespace, payload any)
	external   chan<- ExternalEvent
	invalidate func(namespace Namespace)
}

// ExternalEvent is a timer or async-backend event routed back to the module
// that scheduled it, carried on the participant task's external-event
// source (the fourth leg of the runtime's multiplexer).
type ExternalEvent struct {
	Namespace Namespace
	Event     any
}

// NewHost builds a Host for one module instance of one participant.
// send delivers an outbound websocket frame in the module's namespace;
// external receives timer/SFU events addressed back to this module;
// invalidate triggers a peer-state refresh broadcast for this module.
func NewHost(
	room ids.SignalingRoomId,
	participant ids.ParticipantId,
	role Role,
	namespace Namespace,
	c *cache.Gateway,
	b *bus.Gateway,
	send func(namespace Namespace, payload any),
	external chan<- ExternalEvent,
	invalidate func(namespace Namespace),
) *Host {
	return &Host{
		Cache:       c,
		Bus:         RoomBus{gw: b, room: room},
		room:        room,
		participant: participant,
		role:        role,
		namespace:   namespace,
		send:        send,
		external:    external,
		invalidate:  invalidate,
	}
}

// RoomId returns the signaling room this module instance belongs to.
func (h *Host) RoomId() ids.SignalingRoomId { return h.room }

// ParticipantId returns the participant this module instance belongs to.
func (h *Host) ParticipantId() ids.ParticipantId { return h.participant }

// Role returns the participant's assigned role, consulted by moderator-only
// or speaker-only module commands (automod's Start/Edit/Stop/Select vs.
// Yield).
func (h *Host) Role() Role { return h.role }

// Send pushes payload to the participant's websocket in this module's own
// namespace.
func (h *Host) Send(payload any) {
	h.send(h.namespace, payload)
}

// ScheduleExternal hands event back to this module's OnExternal hook,
// asynchronously, once fired. Used for animation/expiry timers: the caller
// is expected to gate the timer's own firing on an opaque id match, since
// ScheduleExternal itself does not cancel anything (spec's "timers as
// opaque tokens" design note).
func (h *Host) ScheduleExternal(event any) {
	select {
	case h.external <- ExternalEvent{Namespace: h.namespace, Event: event}:
	default:
		// participant task's external queue is full; drop rather than block
		// a timer goroutine indefinitely.
	}
}

// InvalidateData triggers a peer-state refresh broadcast: every other
// runtime in the room is asked to re-read this module's public state for
// the participant and push a participant_updated event to its client.
func (h *Host) InvalidateData() {
	h.invalidate(h.namespace)
}

// DeriveCacheKey builds the "signaling:<room_id>:<suffix>" key spec's cache
// key space mandates for every module-owned key.
func (h *Host) DeriveCacheKey(suffix string) string {
	return fmt.Sprintf("signaling:%s:%s", h.room.String(), suffix)
}
