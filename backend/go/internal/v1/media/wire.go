// Package media implements the per-participant publisher/subscriber module:
// it owns a participant's own publisher handles (one per media type it
// publishes) and subscriber handles (one per peer media session it
// consumes), placed and routed through the SFU pool. Grounded on the
// teacher's WebRTC signaling handlers (internal/v1/session/handlers_webrtc.go,
// internal/v1/signaling/sfu.go) for the offer/answer/candidate message
// shapes and the non-blocking forward-to-client idiom, retargeted from the
// teacher's 1:1-mesh gRPC-SFU bridge onto the publisher/subscriber-handle
// model this module implements, and on
// original_source/crates/janus-media/src/lib.rs for the inbound/outbound
// message vocabulary and the self-subscribe rejection / stale-subscriber
// teardown rules.
package media

import (
	"encoding/json"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
)

// Namespace is the wire discriminator this module owns.
const Namespace modhost.Namespace = "media"

// sessionState is what a participant reports about one of its media
// sessions: whether audio and/or video tracks are currently active.
type sessionState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// target names the media session an inbound message addresses. If
// Participant equals the sender, the operation is on the sender's own
// publisher; otherwise it is on a subscriber to that peer's publisher.
type target struct {
	Participant      ids.ParticipantId    `json:"participant"`
	MediaSessionType ids.MediaSessionType `json:"media_session_type"`
}

func (t target) key() ids.MediaSessionKey {
	return ids.MediaSessionKey{Participant: t.Participant, Type: t.MediaSessionType}
}

// inbound is the envelope every inbound media message decodes into; only
// the fields relevant to Type are populated.
type inbound struct {
	Type      string          `json:"type"`
	Target    target          `json:"target"`
	Sdp       json.RawMessage `json:"sdp,omitempty"`
	State     *sessionState   `json:"state,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Cfg       json.RawMessage `json:"cfg,omitempty"`
}

const (
	typePublish            = "publish"
	typePublishComplete    = "publish_complete"
	typeUpdateMediaSession = "update_media_session"
	typeUnpublish          = "unpublish"
	typeSdpAnswer          = "sdp_answer"
	typeSdpCandidate       = "sdp_candidate"
	typeSdpEndOfCandidates = "sdp_end_of_candidates"
	typeSubscribe          = "subscribe"
	typeConfigure          = "configure"
)

// source identifies, in an outbound message, which media session the event
// is about.
type source struct {
	Participant      string               `json:"participant"`
	MediaSessionType ids.MediaSessionType `json:"media_session_type"`
}

func sourceOf(t target) source {
	return source{Participant: t.Participant.String(), MediaSessionType: t.MediaSessionType}
}

type sdpOfferOut struct {
	Type   string          `json:"type"`
	Source source          `json:"source"`
	Sdp    json.RawMessage `json:"sdp"`
}

type sdpAnswerOut struct {
	Type   string          `json:"type"`
	Source source          `json:"source"`
	Sdp    json.RawMessage `json:"sdp"`
}

type sdpCandidateOut struct {
	Type      string          `json:"type"`
	Source    source          `json:"source"`
	Candidate json.RawMessage `json:"candidate"`
}

type webrtcUpOut struct {
	Type   string `json:"type"`
	Source source `json:"source"`
}

type webrtcDownOut struct {
	Type   string `json:"type"`
	Source source `json:"source"`
}

type webrtcSlowOut struct {
	Type      string `json:"type"`
	Source    source `json:"source"`
	Direction string `json:"direction"`
}

type errorOut struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newErrorOut(text string) errorOut { return errorOut{Type: "error", Text: text} }
