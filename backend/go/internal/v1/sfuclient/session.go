package sfuclient

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Session is a long-lived context on an SFU backend, holding zero or more
// plugin handles.
type Session struct {
	client *Client
	id     string
}

// ID returns the backend-assigned session identifier.
func (s *Session) ID() string { return s.id }

// Attach creates a new handle on this session for the named plugin.
func (s *Session) Attach(ctx context.Context, plugin string) (*Handle, error) {
	handleID, err := s.client.attach(ctx, s.id, plugin)
	if err != nil {
		return nil, err
	}
	events := s.client.eventsFor(s.id, handleID)
	return &Handle{session: s, id: handleID, plugin: plugin, events: events}, nil
}

// Keepalive refreshes the session on the backend. Callers are expected to
// invoke this on a fixed interval (the SFU pool's keepalive ticker) to
// prevent backend-side expiry.
func (s *Session) Keepalive(ctx context.Context) error {
	return s.client.keepalive(ctx, s.id)
}

// Destroy tears down the session and every handle attached to it.
func (s *Session) Destroy(ctx context.Context) error {
	return s.client.destroySession(ctx, s.id)
}

// Handle is an attachment to a named plugin within a session. It exposes
// the plugin request/response exchange and a subscription to the handle's
// untagged event stream (trickle candidates, webrtc-up/down, slow-link,
// hangup, detached, media-state).
type Handle struct {
	session  *Session
	id       string
	plugin   string
	events   chan Event
	detached bool
}

// ID returns the backend-assigned handle identifier.
func (h *Handle) ID() string { return h.id }

// Send issues a plugin-message request and waits for the plugin's response,
// which may include a JSEP answer or offer.
func (h *Handle) Send(ctx context.Context, body any, jsep json.RawMessage) (Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	return h.session.client.pluginMessage(ctx, h.session.id, h.id, raw, jsep)
}

// Trickle forwards an ICE candidate to the backend.
func (h *Handle) Trickle(ctx context.Context, candidate json.RawMessage) error {
	return h.session.client.trickle(ctx, h.session.id, h.id, candidate)
}

// Events returns the channel of untagged events addressed to this handle.
// The channel is closed when Detach is called or the client shuts down.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Detach releases the handle. Dropping a Handle without calling Detach is a
// programming error; callers that let a Handle go out of scope should log
// at the call site (the client itself only observes the bus traffic, not
// Go object lifetimes, so it cannot detect an abandoned handle).
func (h *Handle) Detach(ctx context.Context, log *zap.Logger) error {
	if h.detached {
		return nil
	}
	h.detached = true
	return h.session.client.detach(ctx, h.session.id, h.id)
}
