package sfuclient

import "encoding/json"

// method names carried in the "method" field of every request envelope, and
// echoed back in response envelopes for routing/logging. Grounded on the
// janus-client request vocabulary (create-session/attach/keepalive/
// plugin-message/trickle/detach/destroy).
const (
	methodCreateSession = "create-session"
	methodAttach        = "attach"
	methodKeepalive     = "keepalive"
	methodPluginMessage = "plugin-message"
	methodTrickle       = "trickle"
	methodDetach        = "detach"
	methodDestroy       = "destroy"
)

// requestEnvelope is published on a backend's request exchange. transaction
// is the correlation id the bus gateway carries in Envelope.CorrelationId;
// it is duplicated here so the wire payload is self-describing even if a
// caller inspects raw JSON.
type requestEnvelope struct {
	Transaction string          `json:"transaction"`
	Method      string          `json:"method"`
	Session     string          `json:"session,omitempty"`
	Handle      string          `json:"handle,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// responseKind distinguishes an ack (no payload beyond success) from a
// final/event response (carries session/handle data or a plugin body) and
// from an error.
type responseKind string

const (
	responseAck   responseKind = "ack"
	responseFinal responseKind = "event"
	responseError responseKind = "error"
)

// responseEnvelope is the wire shape of every message arriving on a
// backend's response exchange, whether tagged with a transaction id (a
// sync/async reply) or untagged (a broadcast event addressed by session and
// handle only).
type responseEnvelope struct {
	Transaction string          `json:"transaction,omitempty"`
	Kind        responseKind    `json:"kind"`
	Session     string          `json:"session,omitempty"`
	Handle      string          `json:"handle,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	HandleID    string          `json:"handleId,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Response is the caller-facing decoded result of a plugin-message exchange:
// the plugin's JSON body, plus an optional JSEP answer/offer.
type Response struct {
	Body json.RawMessage
	Jsep json.RawMessage
}

// Event is an untagged message delivered to a handle's broadcast channel:
// trickle candidates, webrtc-up, slow-link, hangup, detached, media-state.
type Event struct {
	Kind string
	Body json.RawMessage
}
