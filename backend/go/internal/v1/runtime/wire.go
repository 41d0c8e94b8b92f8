// Package runtime implements one task per joined participant: it owns their
// websocket, multiplexes inbound traffic from five sources, and drives the
// join/steady-state/leave lifecycle described for the signaling layer.
// Grounded on the teacher's internal/v1/session/client.go (readPump/
// writePump, wsConnection interface, buffered send channel) and
// internal/v1/session/hub.go (auth-then-upgrade, room registry, grace-period
// cleanup) — the wire codec here is the JSON {namespace, payload} envelope
// instead of the teacher's protobuf frame, since no generated protobuf
// package survived the retrieval.
package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
)

// Envelope is the wire frame carried over the participant's websocket in
// both directions: a namespace discriminator naming the owning module, and
// that module's own payload shape.
type Envelope struct {
	Namespace modhost.Namespace `json:"namespace"`
	Payload   json.RawMessage   `json:"payload"`
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Namespace == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing namespace")
	}
	return env, nil
}

func encodeEnvelope(namespace modhost.Namespace, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope payload: %w", err)
	}
	return json.Marshal(Envelope{Namespace: namespace, Payload: raw})
}

// controlNamespace is reserved for runtime-level frames (join_success,
// participant-joined/left/updated, error, close) that are not owned by any
// module.
const controlNamespace modhost.Namespace = "control"

// joinSuccessPayload is sent once, right after a participant's join sequence
// completes: the room's global data plus, for each peer already present,
// that peer's per-module public state.
type joinSuccessPayload struct {
	Room  string                `json:"room"`
	Self  string                `json:"self"`
	Peers []peerJoinSuccessInfo `json:"peers"`
}

type peerJoinSuccessInfo struct {
	Participant string                               `json:"participant"`
	Modules     map[modhost.Namespace]json.RawMessage `json:"modules"`
}

// participantEventPayload backs participant-joined/left/updated bus events
// and their client-facing mirrors.
type participantEventPayload struct {
	Participant string                               `json:"participant"`
	Modules     map[modhost.Namespace]json.RawMessage `json:"modules,omitempty"`
}

// invalidatePayload backs a module's InvalidateData() trigger, fanned out
// over the room bus under the participant-updated namespace so every runtime
// re-reads that participant's public state for that module from the cache and
// pushes it to its client.
type invalidatePayload struct {
	Participant string            `json:"participant"`
	Namespace   modhost.Namespace `json:"namespace"`
}

// errorPayload is the generic control-namespace error frame for transport/
// protocol failures not owned by any module.
type errorPayload struct {
	Text string `json:"text"`
}
