// Package ids defines the opaque identifier types shared by every component
// of the controller: participants, rooms, breakout rooms, and media sessions.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// ParticipantId is a 128-bit opaque identifier for a joined participant.
type ParticipantId uuid.UUID

// NewParticipantId generates a fresh random participant id.
func NewParticipantId() ParticipantId {
	return ParticipantId(uuid.New())
}

// ParseParticipantId parses a textual participant id.
func ParseParticipantId(s string) (ParticipantId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ParticipantId{}, fmt.Errorf("parse participant id: %w", err)
	}
	return ParticipantId(u), nil
}

func (p ParticipantId) String() string { return uuid.UUID(p).String() }

// MarshalJSON renders the id as its string form.
func (p ParticipantId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON parses the string form back into a ParticipantId.
func (p *ParticipantId) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid participant id %q", data)
	}
	parsed, err := ParseParticipantId(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RoomId is a 128-bit opaque identifier for a conference room.
type RoomId uuid.UUID

// NewRoomId generates a fresh random room id.
func NewRoomId() RoomId { return RoomId(uuid.New()) }

// ParseRoomId parses a textual room id.
func ParseRoomId(s string) (RoomId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RoomId{}, fmt.Errorf("parse room id: %w", err)
	}
	return RoomId(u), nil
}

func (r RoomId) String() string { return uuid.UUID(r).String() }

func (r RoomId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *RoomId) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid room id %q", data)
	}
	parsed, err := ParseRoomId(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// BreakoutId namespaces a breakout room within its parent room.
type BreakoutId uuid.UUID

// NewBreakoutId generates a fresh random breakout id.
func NewBreakoutId() BreakoutId { return BreakoutId(uuid.New()) }

func (b BreakoutId) String() string { return uuid.UUID(b).String() }

// SignalingRoomId namespaces all per-room shared state: a plain room, or a
// breakout room nested within one.
type SignalingRoomId struct {
	Room     RoomId
	Breakout *BreakoutId
}

// NewSignalingRoomId builds a top-level (non-breakout) signaling room id.
func NewSignalingRoomId(room RoomId) SignalingRoomId {
	return SignalingRoomId{Room: room}
}

// WithBreakout returns the signaling room id for a breakout room nested in r.
func (r SignalingRoomId) WithBreakout(b BreakoutId) SignalingRoomId {
	return SignalingRoomId{Room: r.Room, Breakout: &b}
}

// String renders a deterministic discriminator used to derive cache keys, so
// two controllers deriving a key for the same logical room always agree.
func (r SignalingRoomId) String() string {
	if r.Breakout == nil {
		return r.Room.String()
	}
	return r.Room.String() + ":" + r.Breakout.String()
}

// MediaSessionType distinguishes the two kinds of media a participant may
// publish: their primary video/audio feed, or a screen share.
type MediaSessionType string

const (
	MediaSessionVideo  MediaSessionType = "video"
	MediaSessionScreen MediaSessionType = "screen"
)

// MediaSessionKey identifies one of a participant's media sessions.
type MediaSessionKey struct {
	Participant ParticipantId    `json:"participant"`
	Type        MediaSessionType `json:"mediaSessionType"`
}

func (k MediaSessionKey) String() string {
	return k.Participant.String() + ":" + string(k.Type)
}
