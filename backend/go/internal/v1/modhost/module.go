// Package modhost defines the Module contract every per-participant feature
// (media, automod) implements, and the Host that wires a module instance to
// the cache gateway, the room-scoped bus, and the participant's websocket
// send channel. Grounded on the teacher's interface-based testability idiom
// (Roomer/TokenValidator/BusService in session/hub.go, session/client.go)
// generalized into a plugin contract, and original_source/crates/controller's
// module-registration shape (one module instance per participant per
// namespace, hook hand back via trait methods).
package modhost

import (
	"context"
	"encoding/json"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
)

// Namespace is the wire-level message discriminator a module owns, e.g.
// "media" or "automod".
type Namespace string

// PeerState is one peer's public per-module state, offered to a freshly
// joining participant's join_success payload and to peers on
// participant_updated.
type PeerState struct {
	Participant ids.ParticipantId `json:"participant"`
	Public      json.RawMessage   `json:"public,omitempty"`
}

// Module is the capability set a per-participant feature may implement.
// Not every module cares about every hook; embed ModuleBase to pick up
// no-op defaults for the hooks a module doesn't need.
type Module interface {
	// Namespace returns the wire discriminator this module owns.
	Namespace() Namespace

	// Init is called once, right after the module instance is created for
	// a newly joined participant, before OnJoined.
	Init(ctx context.Context, h *Host) error

	// OnJoined is called during the join sequence to let the module
	// populate its slice of the join_success payload and read peer state.
	// Returns the participant's own public state.
	OnJoined(ctx context.Context, peers []PeerState) (json.RawMessage, error)

	// PublicState reports the module's current public state for this
	// participant, independent of the join sequence. Called whenever the
	// module calls Host.InvalidateData, so peers can refresh what they know
	// about this participant without re-running OnJoined's one-time
	// initialization.
	PublicState(ctx context.Context) (json.RawMessage, error)

	// OnLeaving runs during the leave sequence, before the room lock is
	// taken to remove the participant from the room set.
	OnLeaving(ctx context.Context)

	// OnDestroy runs when the participant's module state is torn down.
	// destroyRoom is true when this was the last participant in the room,
	// signaling the module to purge its room-scoped cache keys too.
	OnDestroy(ctx context.Context, destroyRoom bool)

	OnParticipantJoined(ctx context.Context, p ids.ParticipantId, public json.RawMessage)
	OnParticipantLeft(ctx context.Context, p ids.ParticipantId)
	OnParticipantUpdated(ctx context.Context, p ids.ParticipantId, public json.RawMessage)

	// OnWSMessage handles a decoded payload addressed to this module's
	// namespace. A non-nil response is sent back to the client in the same
	// namespace.
	OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// OnBusMessage handles a payload delivered on the room exchange that
	// was published under this module's namespace by some participant's
	// runtime (possibly this one).
	OnBusMessage(ctx context.Context, payload json.RawMessage)

	// OnExternal handles an event this module previously scheduled via its
	// Host's external-event registration (a timer firing, an SFU event).
	OnExternal(ctx context.Context, event any)

	OnRaiseHand(ctx context.Context)
	OnLowerHand(ctx context.Context)
}

// ModuleBase supplies no-op implementations of every hook. Embed it in a
// concrete module and override only the hooks that module cares about.
type ModuleBase struct{}

func (ModuleBase) Init(ctx context.Context, h *Host) error { return nil }
func (ModuleBase) OnJoined(ctx context.Context, peers []PeerState) (json.RawMessage, error) {
	return nil, nil
}
func (ModuleBase) PublicState(ctx context.Context) (json.RawMessage, error) { return nil, nil }
func (ModuleBase) OnLeaving(ctx context.Context)                                         {}
func (ModuleBase) OnDestroy(ctx context.Context, destroyRoom bool)                        {}
func (ModuleBase) OnParticipantJoined(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
}
func (ModuleBase) OnParticipantLeft(ctx context.Context, p ids.ParticipantId) {}
func (ModuleBase) OnParticipantUpdated(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
}
func (ModuleBase) OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (ModuleBase) OnBusMessage(ctx context.Context, payload json.RawMessage) {}
func (ModuleBase) OnExternal(ctx context.Context, event any)                {}
func (ModuleBase) OnRaiseHand(ctx context.Context)                          {}
func (ModuleBase) OnLowerHand(ctx context.Context)                          {}

// Factory builds a fresh module instance for one participant. The host
// registers one factory per namespace at startup; a new instance is created
// per participant per join, so module state never leaks across participants.
type Factory func() Module
