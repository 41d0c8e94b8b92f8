package sfupool

import (
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfuclient"
)

// Publisher is a handle a participant's media module uses to publish one of
// their media sessions on the backend the pool placed it on.
type Publisher struct {
	Handle       *sfuclient.Handle
	backendID    string
	roomID       string
	key          ids.MediaSessionKey
	disconnected <-chan struct{}
}

// RoomID is the backend-local room this publisher's subscribers join.
func (p *Publisher) RoomID() string { return p.roomID }

// BackendID names the backend this publisher lives on, for directory lookups.
func (p *Publisher) BackendID() string { return p.backendID }

// Disconnected reports when the backend hosting this publisher has gone
// away, either via a failed keepalive or a reload drain. The media module
// surfaces this as a webrtc-down event to the owning participant.
func (p *Publisher) Disconnected() <-chan struct{} {
	return p.disconnected
}

// publisherInfo is the JSON value stored in the publisher directory hash,
// keyed by the media session key, so a later new_subscriber call can find
// the backend and room a publisher was placed on.
type publisherInfo struct {
	BackendID string `json:"backendId"`
	RoomID    string `json:"roomId"`
}
