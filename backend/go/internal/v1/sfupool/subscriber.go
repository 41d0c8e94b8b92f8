package sfupool

import (
	"encoding/json"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfuclient"
)

// Subscriber is a handle a participant's media module uses to receive a
// publisher's media session.
type Subscriber struct {
	Handle *sfuclient.Handle

	// InitialOffer is the JSEP offer the videoroom plugin returned when this
	// subscriber joined the publisher's room; the media module forwards it
	// to the client as sdp_offer.
	InitialOffer json.RawMessage

	backendID    string
	roomID       string
	key          ids.MediaSessionKey
	disconnected <-chan struct{}
}

// BackendID names the backend this subscriber lives on.
func (s *Subscriber) BackendID() string { return s.backendID }

// Disconnected reports when the backend hosting this subscriber has gone
// away.
func (s *Subscriber) Disconnected() <-chan struct{} {
	return s.disconnected
}
