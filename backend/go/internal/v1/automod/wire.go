// Package automod implements the speaker-selection state machine: a
// distributed, lock-coordinated module that lets a moderator run a
// structured turn-taking session (four selection strategies, a history log,
// an allow-list or playlist of eligible speakers, a randomized pick with an
// optional promotion animation, and per-speaker time limits). Grounded
// directly on original_source/crates/automod/src/lib.rs and
// state_machine/next.rs: the lock-acquire/read-config/read-speaker/mutate/
// publish/release critical-section shape, the four strategies, the
// animation/expiry opaque-timer-id pattern, and the nomination
// atomic-check-and-remove are all taken from that state machine and
// re-expressed in the idiom the rest of this module host uses (modhost.Module
// hooks, cache.Gateway storage, a room-scoped bus instead of an actor mailbox).
package automod

import (
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
)

// Namespace is the wire discriminator this module owns.
const Namespace modhost.Namespace = "automod"

// animationDuration is the fixed animation period for the Random strategy's
// animation_on_random option (spec-pinned, not configurable).
const animationDuration = 8 * time.Second

// SelectionStrategy names one of the four speaker-selection algorithms a
// session runs under.
type SelectionStrategy string

const (
	StrategyNone       SelectionStrategy = "none"
	StrategyPlaylist   SelectionStrategy = "playlist"
	StrategyRandom     SelectionStrategy = "random"
	StrategyNomination SelectionStrategy = "nomination"
)

// Parameter is the moderator-configured shape of a session, persisted as
// part of Config and echoed back to clients in every config announcement.
type Parameter struct {
	SelectionStrategy    SelectionStrategy `json:"selection_strategy"`
	AllowDoubleSelection bool              `json:"allow_double_selection"`
	TimeLimit            *time.Duration    `json:"time_limit,omitempty"`
	AnimationOnRandom    bool              `json:"animation_on_random"`
	ShowList             bool              `json:"show_list"`
	ConsiderHandRaise    bool              `json:"consider_hand_raise"`
}

// Config is the persisted, room-wide automod session record. It exists in
// the cache only while a session is running (created by Start, destroyed by
// Stop or room teardown).
type Config struct {
	Started   time.Time `json:"started"`
	Parameter Parameter `json:"parameter"`
}

type entryKind string

const (
	entryStart entryKind = "start"
	entryStop  entryKind = "stop"
)

// Entry is one append-only history record of a speaker change since the
// session started.
type Entry struct {
	Kind        entryKind         `json:"kind"`
	Participant ids.ParticipantId `json:"participant"`
	Timestamp   time.Time         `json:"timestamp"`
}

// publicConfig is the client-facing view of a session: its parameters, the
// history so far, and the current "remaining" pool (allow_list or playlist
// depending on strategy).
type publicConfig struct {
	Parameter Parameter           `json:"parameter"`
	History   []Entry             `json:"history"`
	Remaining []ids.ParticipantId `json:"remaining"`
}

// publicState is the room-wide automod blob reported from on_joined and
// PublicState. Unlike the media module's per-peer public state, this is the
// same value for every participant in the room: automod state is shared,
// not per-participant, so every caller of OnJoined/PublicState gets the
// identical snapshot regardless of which participant is asking. Config is
// nil when no session is running.
type publicState struct {
	Config  *publicConfig      `json:"config,omitempty"`
	Speaker *ids.ParticipantId `json:"speaker,omitempty"`
}

// --- inbound (namespace "automod") ---

const (
	actionStart  = "start"
	actionEdit   = "edit"
	actionStop   = "stop"
	actionSelect = "select"
	actionYield  = "yield"
)

const (
	selectKindNone     = "none"
	selectKindRandom   = "random"
	selectKindNext     = "next"
	selectKindSpecific = "specific"
)

// inbound is the envelope every inbound automod message decodes into; only
// the fields relevant to Action (and, for select, Kind) are populated.
type inbound struct {
	Action string `json:"action"`

	SelectionStrategy    SelectionStrategy    `json:"selection_strategy,omitempty"`
	AllowList            []ids.ParticipantId  `json:"allow_list,omitempty"`
	Playlist             []ids.ParticipantId  `json:"playlist,omitempty"`
	AllowDoubleSelection *bool                `json:"allow_double_selection,omitempty"`
	TimeLimit            *time.Duration       `json:"time_limit,omitempty"`
	AnimationOnRandom    *bool                `json:"animation_on_random,omitempty"`
	ShowList             *bool                `json:"show_list,omitempty"`
	ConsiderHandRaise    *bool                `json:"consider_hand_raise,omitempty"`

	Kind        string             `json:"kind,omitempty"`
	Participant *ids.ParticipantId `json:"participant,omitempty"`

	Next *ids.ParticipantId `json:"next,omitempty"`
}

// --- outbound (namespace "automod") ---

type errorCode string

const (
	codeInsufficientPermissions errorCode = "insufficient_permissions"
	codeInvalidSelection        errorCode = "invalid_selection"
	// codeMalformedMessage and codeUnknownAction are module-defined
	// protocol-violation codes, distinct from the two domain/permission
	// codes spec fixes for select/yield outcomes; §7 only requires a
	// "module-defined non-fatal error" for a bad payload, it doesn't
	// constrain its code.
	codeMalformedMessage errorCode = "malformed_message"
	codeUnknownAction    errorCode = "unknown_action"
)

type errorOut struct {
	Type string    `json:"type"`
	Code errorCode `json:"code"`
}

func newErrorOut(code errorCode) errorOut { return errorOut{Type: "error", Code: code} }

// configAnnounceOut carries the full current session config, sent on
// session start and on every edit (there is no dedicated "edited" wire
// message, so edits reuse the same "started" shape to re-announce).
type configAnnounceOut struct {
	Type   string       `json:"type"`
	Config publicConfig `json:"config"`
}

type stoppedOut struct {
	Type string `json:"type"`
}

type speakerUpdatedOut struct {
	Type      string              `json:"type"`
	Speaker   *ids.ParticipantId  `json:"speaker,omitempty"`
	History   []Entry             `json:"history,omitempty"`
	Remaining []ids.ParticipantId `json:"remaining,omitempty"`
}

type remainingUpdatedOut struct {
	Type      string              `json:"type"`
	Remaining []ids.ParticipantId `json:"remaining"`
}

type startAnimationOut struct {
	Type   string              `json:"type"`
	Pool   []ids.ParticipantId `json:"pool"`
	Result ids.ParticipantId   `json:"result"`
}

// --- bus messages (room exchange, published/consumed under this module's
// namespace; distinct from the client-facing websocket messages above) ---

const (
	busKindStart           = "start"
	busKindStop            = "stop"
	busKindSpeakerUpdate   = "speaker_update"
	busKindRemainingUpdate = "remaining_update"
	busKindStartAnimation  = "start_animation"
)

type busMessage struct {
	Kind string `json:"kind"`

	Config *publicConfig `json:"config,omitempty"`

	Speaker   *ids.ParticipantId  `json:"speaker,omitempty"`
	History   []Entry             `json:"history,omitempty"`
	Remaining []ids.ParticipantId `json:"remaining,omitempty"`

	Pool   []ids.ParticipantId `json:"pool,omitempty"`
	Result *ids.ParticipantId  `json:"result,omitempty"`
}
