package automod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// automodLockLease bounds how long a runtime may hold the automod mutex
// while mutating session state, mirroring runtime's roomLockLease: session
// mutation is a handful of cache round trips, not a long-running operation.
const automodLockLease = 5 * time.Second

// errNotActive signals "release and return, automod not active" (or, for
// yield/expiry/leave, "release and return, I am not the current speaker") —
// spec's step 2/3 early-exit. It never reaches the client as an error; the
// caller either stays silent or, for an explicit command, treats it as a
// no-op.
var errNotActive = errors.New("automod: not active")

// errInvalidSelection signals a non-fatal domain rule violation: a select or
// nomination naming a participant that isn't eligible. Surfaced to the
// caller as error{invalid_selection}; never a transport/fatal error.
var errInvalidSelection = errors.New("automod: invalid selection")

// expiryExternal is scheduled back to the module when a speaker's time
// limit elapses; id is checked against currentExpiryID so a stale timer
// (one superseded by a later speaker change) is silently ignored.
type expiryExternal struct {
	id uuid.UUID
}

// animationEndExternal is scheduled when a Random-strategy promotion
// animation finishes; id is checked against currentAnimationID for the same
// reason.
type animationEndExternal struct {
	id     uuid.UUID
	result ids.ParticipantId
}

// Module is the per-participant automod module instance. Despite being
// instantiated once per participant (like every module), almost all the
// state it touches is room-wide, not per-participant: every instance in a
// room reads and mutates the same cache-resident session record under the
// same distributed lock. The only per-instance state is the two opaque
// timer tokens, which exist so each participant's own runtime can recognize
// whether a timer it scheduled is still the current one.
type Module struct {
	log  *zap.Logger
	host *modhost.Host

	currentExpiryID    *uuid.UUID
	currentAnimationID *uuid.UUID
}

// NewFactory builds a modhost.Factory that constructs a fresh Module for
// every participant that joins a room.
func NewFactory(log *zap.Logger) modhost.Factory {
	return func() modhost.Module {
		return &Module{log: log}
	}
}

func (m *Module) Namespace() modhost.Namespace { return Namespace }

func (m *Module) Init(ctx context.Context, h *modhost.Host) error {
	m.host = h
	return nil
}

func (m *Module) OnParticipantJoined(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
}
func (m *Module) OnParticipantLeft(ctx context.Context, p ids.ParticipantId) {}
func (m *Module) OnParticipantUpdated(ctx context.Context, p ids.ParticipantId, public json.RawMessage) {
}
func (m *Module) OnRaiseHand(ctx context.Context) {}
func (m *Module) OnLowerHand(ctx context.Context) {}

// --- cache key space (signaling:<room>:automod:<suffix>, per spec §6) ---

func (m *Module) configKey() string    { return m.host.DeriveCacheKey("automod:config") }
func (m *Module) speakerKey() string   { return m.host.DeriveCacheKey("automod:speaker") }
func (m *Module) allowListKey() string { return m.host.DeriveCacheKey("automod:allow_list") }
func (m *Module) playlistKey() string  { return m.host.DeriveCacheKey("automod:playlist") }
func (m *Module) historyKey() string   { return m.host.DeriveCacheKey("automod:history") }
func (m *Module) lockKey() string      { return m.host.DeriveCacheKey("automod:lock") }

// withLock acquires the automod mutex, runs fn, and releases the lock on
// every exit path via defer — the idiomatic Go expression of spec's "mutex
// release must be reached on every exit path" rule, replacing the original's
// manual early-unlock-before-return macros with a single deferred call.
func (m *Module) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lock, err := m.host.Cache.Lock(ctx, m.lockKey(), automodLockLease, automodLockLease)
	if err != nil {
		return fmt.Errorf("automod: acquire lock: %w", err)
	}
	defer lock.Release(ctx)
	return fn(ctx)
}

// finish translates the sentinel outcomes of a locked operation into an
// OnWSMessage result: errNotActive is swallowed (no client-visible error,
// per spec's silent early-exit), errInvalidSelection becomes the one domain
// error code the protocol defines for it, anything else is a fatal
// transport/programming error that propagates to the runtime.
func (m *Module) finish(err error) (json.RawMessage, error) {
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, errNotActive):
		return nil, nil
	case errors.Is(err, errInvalidSelection):
		return json.Marshal(newErrorOut(codeInvalidSelection))
	default:
		return nil, err
	}
}

// --- storage helpers ---

func (m *Module) readConfig(ctx context.Context) (*Config, error) {
	raw, err := m.host.Cache.Get(ctx, m.configKey())
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("automod: decode config: %w", err)
	}
	return &cfg, nil
}

func (m *Module) writeConfig(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("automod: encode config: %w", err)
	}
	return m.host.Cache.Set(ctx, m.configKey(), raw, 0)
}

func (m *Module) readSpeaker(ctx context.Context) (*ids.ParticipantId, error) {
	raw, err := m.host.Cache.Get(ctx, m.speakerKey())
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p ids.ParticipantId
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("automod: decode speaker: %w", err)
	}
	return &p, nil
}

func (m *Module) writeSpeaker(ctx context.Context, next *ids.ParticipantId) error {
	if next == nil {
		return m.host.Cache.Del(ctx, m.speakerKey())
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("automod: encode speaker: %w", err)
	}
	return m.host.Cache.Set(ctx, m.speakerKey(), raw, 0)
}

func (m *Module) readAllowList(ctx context.Context) ([]ids.ParticipantId, error) {
	members, err := m.host.Cache.SMembers(ctx, m.allowListKey())
	if err != nil {
		return nil, err
	}
	out := make([]ids.ParticipantId, 0, len(members))
	for _, s := range members {
		p, err := ids.ParseParticipantId(s)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Module) resetAllowList(ctx context.Context, participants []ids.ParticipantId) error {
	if err := m.host.Cache.Del(ctx, m.allowListKey()); err != nil {
		return err
	}
	for _, p := range participants {
		if err := m.host.Cache.SAdd(ctx, m.allowListKey(), p.String()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) readPlaylist(ctx context.Context) ([]ids.ParticipantId, error) {
	items, err := m.host.Cache.LRange(ctx, m.playlistKey(), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]ids.ParticipantId, 0, len(items))
	for _, it := range items {
		p, err := ids.ParseParticipantId(string(it))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Module) resetPlaylist(ctx context.Context, participants []ids.ParticipantId) error {
	if err := m.host.Cache.Del(ctx, m.playlistKey()); err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}
	values := make([][]byte, len(participants))
	for i, p := range participants {
		values[i] = []byte(p.String())
	}
	return m.host.Cache.RPush(ctx, m.playlistKey(), values...)
}

// readRemaining reports the strategy-appropriate eligible-speaker pool: the
// playlist for Playlist, the allow-list for every other strategy.
func (m *Module) readRemaining(ctx context.Context, strategy SelectionStrategy) ([]ids.ParticipantId, error) {
	if strategy == StrategyPlaylist {
		return m.readPlaylist(ctx)
	}
	return m.readAllowList(ctx)
}

func (m *Module) appendHistory(ctx context.Context, kind entryKind, p ids.ParticipantId, at time.Time) error {
	raw, err := json.Marshal(Entry{Kind: kind, Participant: p, Timestamp: at})
	if err != nil {
		return fmt.Errorf("automod: encode history entry: %w", err)
	}
	return m.host.Cache.RPush(ctx, m.historyKey(), raw)
}

func (m *Module) readHistory(ctx context.Context) ([]Entry, error) {
	items, err := m.host.Cache.LRange(ctx, m.historyKey(), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		var e Entry
		if err := json.Unmarshal(it, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// dedupe collapses duplicate ids using a set, replacing a hand-rolled
// map[ids.ParticipantId]struct{} loop.
func dedupe(participants []ids.ParticipantId) []ids.ParticipantId {
	if len(participants) == 0 {
		return nil
	}
	return set.New[ids.ParticipantId](participants...).UnsortedList()
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// validateListsForStrategy enforces the precondition a session (or a
// strategy switch) must satisfy before it can run: Playlist needs a
// non-empty playlist, Random and Nomination need a non-empty allow-list.
func validateListsForStrategy(strategy SelectionStrategy, allowList, playlist []ids.ParticipantId) error {
	switch strategy {
	case StrategyPlaylist:
		if len(playlist) == 0 {
			return errInvalidSelection
		}
	case StrategyRandom, StrategyNomination:
		if len(allowList) == 0 {
			return errInvalidSelection
		}
	}
	return nil
}

// scheduleTimer fires event back to this module's OnExternal hook, on its
// own owning participant's runtime multiplexer turn, after d elapses —
// mirroring the media module's watch-goroutine-to-ScheduleExternal relay,
// generalized from an SFU event source to a one-shot timer.
func (m *Module) scheduleTimer(d time.Duration, event any) {
	go func() {
		time.Sleep(d)
		m.host.ScheduleExternal(event)
	}()
}

// --- the state machine's mutating core, always called from inside withLock ---

// setSpeakerLocked replaces the current speaker with next, appending the
// history stop/start pair and publishing the resulting speaker-update to
// every runtime in the room. Passing a nil next vacates the speaker slot.
func (m *Module) setSpeakerLocked(ctx context.Context, cfg *Config, next *ids.ParticipantId) error {
	current, err := m.readSpeaker(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	if current != nil {
		if err := m.appendHistory(ctx, entryStop, *current, now); err != nil {
			return err
		}
	}
	if next != nil {
		if err := m.appendHistory(ctx, entryStart, *next, now); err != nil {
			return err
		}
	}
	if err := m.writeSpeaker(ctx, next); err != nil {
		return err
	}

	history, err := m.readHistory(ctx)
	if err != nil {
		return err
	}
	remaining, err := m.readRemaining(ctx, cfg.Parameter.SelectionStrategy)
	if err != nil {
		return err
	}
	return m.host.Bus.Publish(ctx, busMessage{
		Kind:      busKindSpeakerUpdate,
		Speaker:   next,
		History:   history,
		Remaining: remaining,
	})
}

// selectSpecificLocked promotes p directly, used by both the moderator's
// explicit Select{specific} command and the animation-end promotion.
// keepInRemaining mirrors the original's parameter of the same name: false
// (the only case this module ever needs) removes p from whichever structure
// currently tracks it as a candidate, so it is atomically consumed as part of
// the selection rather than staying eligible for a later yield/select. A
// Playlist strategy pops p from the playlist (advancing the queue the way a
// plain yield would); every other strategy removes p from the allow list.
func (m *Module) selectSpecificLocked(ctx context.Context, cfg *Config, p ids.ParticipantId, keepInRemaining bool) error {
	if !keepInRemaining {
		if cfg.Parameter.SelectionStrategy == StrategyPlaylist {
			if err := m.host.Cache.LRemFirst(ctx, m.playlistKey(), []byte(p.String())); err != nil {
				return err
			}
		} else {
			if err := m.host.Cache.SRem(ctx, m.allowListKey(), p.String()); err != nil {
				return err
			}
		}
	}
	return m.setSpeakerLocked(ctx, cfg, &p)
}

// advanceLocked performs select_next's per-strategy dispatch: it is the
// shared core behind a plain yield, a moderator Select{next}, a time-limit
// expiry, and a departing speaker's vacate-on-leave.
func (m *Module) advanceLocked(ctx context.Context, cfg *Config, nomination *ids.ParticipantId) error {
	switch cfg.Parameter.SelectionStrategy {
	case StrategyNone:
		return m.setSpeakerLocked(ctx, cfg, nil)
	case StrategyPlaylist:
		return m.advancePlaylistLocked(ctx, cfg)
	case StrategyRandom:
		return m.advanceRandomLocked(ctx, cfg)
	case StrategyNomination:
		return m.advanceNominationLocked(ctx, cfg, nomination)
	default:
		return fmt.Errorf("automod: unknown selection strategy %q", cfg.Parameter.SelectionStrategy)
	}
}

func (m *Module) advancePlaylistLocked(ctx context.Context, cfg *Config) error {
	head, err := m.host.Cache.LPopFirst(ctx, m.playlistKey())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return m.setSpeakerLocked(ctx, cfg, nil)
		}
		return err
	}
	p, err := ids.ParseParticipantId(string(head))
	if err != nil {
		return fmt.Errorf("automod: decode playlist entry: %w", err)
	}
	return m.setSpeakerLocked(ctx, cfg, &p)
}

func (m *Module) advanceRandomLocked(ctx context.Context, cfg *Config) error {
	pool, err := m.readAllowList(ctx)
	if err != nil {
		return err
	}
	if len(pool) == 0 {
		return m.setSpeakerLocked(ctx, cfg, nil)
	}
	winner := pool[rand.Intn(len(pool))]

	if !cfg.Parameter.AnimationOnRandom {
		return m.setSpeakerLocked(ctx, cfg, &winner)
	}

	// Animation path: announce the pre-drawn winner, stamp a fresh
	// animation id so a later (possibly stale) timer fire can recognize
	// whether it is still the one that matters, then clear the speaker
	// slot until the animation finishes.
	id := uuid.New()
	m.currentAnimationID = &id
	if err := m.host.Bus.Publish(ctx, busMessage{Kind: busKindStartAnimation, Pool: pool, Result: &winner}); err != nil {
		return err
	}
	m.scheduleTimer(animationDuration, animationEndExternal{id: id, result: winner})
	current, err := m.readSpeaker(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	return m.setSpeakerLocked(ctx, cfg, nil)
}

func (m *Module) advanceNominationLocked(ctx context.Context, cfg *Config, nomination *ids.ParticipantId) error {
	if nomination == nil {
		return m.setSpeakerLocked(ctx, cfg, nil)
	}
	if cfg.Parameter.AllowDoubleSelection {
		ok, err := m.host.Cache.SIsMember(ctx, m.allowListKey(), nomination.String())
		if err != nil {
			return err
		}
		if !ok {
			return errInvalidSelection
		}
		return m.setSpeakerLocked(ctx, cfg, nomination)
	}

	// Double-selection disabled: the nominee must be removed from the
	// allow-list as part of validating it, so a nomination cannot race
	// another controller's nomination of the same participant. The
	// automod lock already serializes every mutation in this room, so a
	// plain membership check followed by removal is as atomic as a single
	// Lua script would be here — there is no concurrent window for
	// another holder to observe.
	ok, err := m.host.Cache.SIsMember(ctx, m.allowListKey(), nomination.String())
	if err != nil {
		return err
	}
	if !ok {
		return errInvalidSelection
	}
	if err := m.host.Cache.SRem(ctx, m.allowListKey(), nomination.String()); err != nil {
		return err
	}
	return m.setSpeakerLocked(ctx, cfg, nomination)
}

// participantSelectable reports whether p is eligible to be the speaker
// right now, checked against the strategy's authoritative pool before a
// moderator's explicit Select{specific}.
func (m *Module) participantSelectable(ctx context.Context, strategy SelectionStrategy, p ids.ParticipantId) (bool, error) {
	if strategy == StrategyPlaylist {
		items, err := m.readPlaylist(ctx)
		if err != nil {
			return false, err
		}
		for _, it := range items {
			if it == p {
				return true, nil
			}
		}
		return false, nil
	}
	return m.host.Cache.SIsMember(ctx, m.allowListKey(), p.String())
}

// --- websocket command handlers ---

func (m *Module) OnWSMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return json.Marshal(newErrorOut(codeMalformedMessage))
	}

	switch in.Action {
	case actionStart:
		return m.handleStart(ctx, in)
	case actionEdit:
		return m.handleEdit(ctx, in)
	case actionStop:
		return m.handleStop(ctx, in)
	case actionSelect:
		return m.handleSelect(ctx, in)
	case actionYield:
		return m.handleYield(ctx, in)
	default:
		return json.Marshal(newErrorOut(codeUnknownAction))
	}
}

func (m *Module) handleStart(ctx context.Context, in inbound) (json.RawMessage, error) {
	if !m.host.Role().IsModerator() {
		return json.Marshal(newErrorOut(codeInsufficientPermissions))
	}

	param := Parameter{
		SelectionStrategy:    in.SelectionStrategy,
		AllowDoubleSelection: boolOr(in.AllowDoubleSelection, false),
		TimeLimit:            in.TimeLimit,
		AnimationOnRandom:    boolOr(in.AnimationOnRandom, false),
		ShowList:             boolOr(in.ShowList, true),
		ConsiderHandRaise:    boolOr(in.ConsiderHandRaise, false),
	}
	allowList := dedupe(in.AllowList)
	playlist := in.Playlist
	if err := validateListsForStrategy(param.SelectionStrategy, allowList, playlist); err != nil {
		return json.Marshal(newErrorOut(codeInvalidSelection))
	}

	err := m.withLock(ctx, func(ctx context.Context) error {
		if err := m.writeConfig(ctx, Config{Started: time.Now(), Parameter: param}); err != nil {
			return err
		}
		if err := m.host.Cache.Del(ctx, m.speakerKey(), m.historyKey()); err != nil {
			return err
		}
		if err := m.resetAllowList(ctx, allowList); err != nil {
			return err
		}
		if err := m.resetPlaylist(ctx, playlist); err != nil {
			return err
		}
		remaining, err := m.readRemaining(ctx, param.SelectionStrategy)
		if err != nil {
			return err
		}
		return m.host.Bus.Publish(ctx, busMessage{
			Kind:   busKindStart,
			Config: &publicConfig{Parameter: param, Remaining: remaining},
		})
	})
	return m.finish(err)
}

func (m *Module) handleEdit(ctx context.Context, in inbound) (json.RawMessage, error) {
	if !m.host.Role().IsModerator() {
		return json.Marshal(newErrorOut(codeInsufficientPermissions))
	}
	if in.AllowList != nil {
		in.AllowList = dedupe(in.AllowList)
	}

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}
		return m.applyEditLocked(ctx, cfg, in)
	})
	return m.finish(err)
}

func (m *Module) applyEditLocked(ctx context.Context, cfg *Config, in inbound) error {
	strategy := cfg.Parameter.SelectionStrategy
	if in.SelectionStrategy != "" {
		strategy = in.SelectionStrategy
	}

	allowList := in.AllowList
	if allowList == nil {
		existing, err := m.readAllowList(ctx)
		if err != nil {
			return err
		}
		allowList = existing
	}
	playlist := in.Playlist
	if playlist == nil {
		existing, err := m.readPlaylist(ctx)
		if err != nil {
			return err
		}
		playlist = existing
	}
	if err := validateListsForStrategy(strategy, allowList, playlist); err != nil {
		return err
	}

	cfg.Parameter.SelectionStrategy = strategy
	if in.AllowDoubleSelection != nil {
		cfg.Parameter.AllowDoubleSelection = *in.AllowDoubleSelection
	}
	if in.TimeLimit != nil {
		cfg.Parameter.TimeLimit = in.TimeLimit
	}
	if in.AnimationOnRandom != nil {
		cfg.Parameter.AnimationOnRandom = *in.AnimationOnRandom
	}
	if in.ShowList != nil {
		cfg.Parameter.ShowList = *in.ShowList
	}
	if in.ConsiderHandRaise != nil {
		cfg.Parameter.ConsiderHandRaise = *in.ConsiderHandRaise
	}

	if in.AllowList != nil {
		if err := m.resetAllowList(ctx, in.AllowList); err != nil {
			return err
		}
	}
	if in.Playlist != nil {
		if err := m.resetPlaylist(ctx, in.Playlist); err != nil {
			return err
		}
	}
	if err := m.writeConfig(ctx, *cfg); err != nil {
		return err
	}

	history, err := m.readHistory(ctx)
	if err != nil {
		return err
	}
	remaining, err := m.readRemaining(ctx, cfg.Parameter.SelectionStrategy)
	if err != nil {
		return err
	}
	return m.host.Bus.Publish(ctx, busMessage{
		Kind:   busKindStart,
		Config: &publicConfig{Parameter: cfg.Parameter, History: history, Remaining: remaining},
	})
}

func (m *Module) handleStop(ctx context.Context, in inbound) (json.RawMessage, error) {
	if !m.host.Role().IsModerator() {
		return json.Marshal(newErrorOut(codeInsufficientPermissions))
	}

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}
		if err := m.host.Cache.Del(ctx, m.configKey(), m.speakerKey(), m.allowListKey(), m.playlistKey(), m.historyKey()); err != nil {
			return err
		}
		return m.host.Bus.Publish(ctx, busMessage{Kind: busKindStop})
	})
	return m.finish(err)
}

func (m *Module) handleSelect(ctx context.Context, in inbound) (json.RawMessage, error) {
	if !m.host.Role().IsModerator() {
		return json.Marshal(newErrorOut(codeInsufficientPermissions))
	}

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}

		switch in.Kind {
		case selectKindNone:
			return m.setSpeakerLocked(ctx, cfg, nil)
		case selectKindNext:
			return m.advanceLocked(ctx, cfg, nil)
		case selectKindRandom:
			return m.advanceRandomLocked(ctx, cfg)
		case selectKindSpecific:
			if in.Participant == nil {
				return errInvalidSelection
			}
			ok, err := m.participantSelectable(ctx, cfg.Parameter.SelectionStrategy, *in.Participant)
			if err != nil {
				return err
			}
			if !ok {
				return errInvalidSelection
			}
			return m.selectSpecificLocked(ctx, cfg, *in.Participant, false)
		default:
			return errInvalidSelection
		}
	})
	return m.finish(err)
}

func (m *Module) handleYield(ctx context.Context, in inbound) (json.RawMessage, error) {
	self := m.host.ParticipantId()
	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}
		speaker, err := m.readSpeaker(ctx)
		if err != nil {
			return err
		}
		if speaker == nil || *speaker != self {
			return errNotActive
		}
		return m.advanceLocked(ctx, cfg, in.Next)
	})
	return m.finish(err)
}

// --- lifecycle hooks ---

func (m *Module) OnJoined(ctx context.Context, peers []modhost.PeerState) (json.RawMessage, error) {
	return m.publicStateSnapshot(ctx)
}

func (m *Module) PublicState(ctx context.Context) (json.RawMessage, error) {
	return m.publicStateSnapshot(ctx)
}

func (m *Module) publicStateSnapshot(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return nil
		}
		speaker, err := m.readSpeaker(ctx)
		if err != nil {
			return err
		}
		history, err := m.readHistory(ctx)
		if err != nil {
			return err
		}
		remaining, err := m.readRemaining(ctx, cfg.Parameter.SelectionStrategy)
		if err != nil {
			return err
		}
		marshaled, err := json.Marshal(publicState{
			Config:  &publicConfig{Parameter: cfg.Parameter, History: history, Remaining: remaining},
			Speaker: speaker,
		})
		if err != nil {
			return fmt.Errorf("automod: marshal public state: %w", err)
		}
		raw = marshaled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// OnLeaving removes the departing participant from both eligibility lists
// unconditionally (a no-op if automod isn't running or the participant was
// never listed), then, under the lock, announces the resulting remaining
// pool and — if the leaver was the current speaker — vacates the slot via
// the same advance path a plain yield uses.
func (m *Module) OnLeaving(ctx context.Context) {
	self := m.host.ParticipantId()
	if err := m.host.Cache.SRem(ctx, m.allowListKey(), self.String()); err != nil {
		m.log.Warn("automod: remove self from allow list on leave failed", zap.Error(err))
	}
	if err := m.host.Cache.LRemAll(ctx, m.playlistKey(), []byte(self.String())); err != nil {
		m.log.Warn("automod: remove self from playlist on leave failed", zap.Error(err))
	}

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}

		remaining, err := m.readRemaining(ctx, cfg.Parameter.SelectionStrategy)
		if err != nil {
			return err
		}
		if err := m.host.Bus.Publish(ctx, busMessage{Kind: busKindRemainingUpdate, Remaining: remaining}); err != nil {
			return err
		}

		speaker, err := m.readSpeaker(ctx)
		if err != nil {
			return err
		}
		if speaker == nil || *speaker != self {
			return nil
		}
		return m.advanceLocked(ctx, cfg, nil)
	})
	if err != nil && !errors.Is(err, errNotActive) {
		m.log.Warn("automod: on_leaving state update failed", zap.Error(err))
	}
}

// OnDestroy purges every automod-owned cache key when this was the last
// participant in the room; a non-destroying teardown leaves session state
// alone for the next joiner.
func (m *Module) OnDestroy(ctx context.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	if err := m.host.Cache.Del(ctx, m.configKey(), m.speakerKey(), m.allowListKey(), m.playlistKey(), m.historyKey()); err != nil {
		m.log.Warn("automod: purge keys on room destroy failed", zap.Error(err))
	}
}

// --- bus fan-out ---

// OnBusMessage translates a room-exchange automod message into the matching
// client-facing frame for this participant, and runs the one side effect
// that depends on seeing a bus-delivered (not locally-originated) event: a
// participant who learns via speaker-update that it is now speaking
// schedules its own time-limit expiry timer, per spec's "the speaker's own
// runtime schedules its own expiry" design.
func (m *Module) OnBusMessage(ctx context.Context, payload json.RawMessage) {
	var msg busMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn("automod: malformed bus message", zap.Error(err))
		return
	}

	switch msg.Kind {
	case busKindStart:
		if msg.Config != nil {
			m.host.Send(configAnnounceOut{Type: "started", Config: *msg.Config})
		}
	case busKindStop:
		m.host.Send(stoppedOut{Type: "stopped"})
	case busKindSpeakerUpdate:
		m.host.Send(speakerUpdatedOut{
			Type:      "speaker_updated",
			Speaker:   msg.Speaker,
			History:   msg.History,
			Remaining: msg.Remaining,
		})
		m.onSpeakerUpdate(ctx, msg.Speaker)
	case busKindRemainingUpdate:
		m.host.Send(remainingUpdatedOut{Type: "remaining_updated", Remaining: msg.Remaining})
	case busKindStartAnimation:
		if msg.Result != nil {
			m.host.Send(startAnimationOut{Type: "start_animation", Pool: msg.Pool, Result: *msg.Result})
		}
	}
}

func (m *Module) onSpeakerUpdate(ctx context.Context, speaker *ids.ParticipantId) {
	if speaker == nil || *speaker != m.host.ParticipantId() {
		return
	}
	cfg, err := m.readConfig(ctx)
	if err != nil {
		m.log.Warn("automod: read config for time-limit scheduling failed", zap.Error(err))
		return
	}
	if cfg == nil || cfg.Parameter.TimeLimit == nil {
		return
	}
	id := uuid.New()
	m.currentExpiryID = &id
	m.scheduleTimer(*cfg.Parameter.TimeLimit, expiryExternal{id: id})
}

// --- timer firings ---

func (m *Module) OnExternal(ctx context.Context, event any) {
	switch ev := event.(type) {
	case expiryExternal:
		m.onExpiry(ctx, ev)
	case animationEndExternal:
		m.onAnimationEnd(ctx, ev)
	}
}

func (m *Module) onExpiry(ctx context.Context, ev expiryExternal) {
	if m.currentExpiryID == nil || *m.currentExpiryID != ev.id {
		return // stale timer, per spec §7 "Timer mismatch": silently drop
	}
	m.currentExpiryID = nil

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}
		speaker, err := m.readSpeaker(ctx)
		if err != nil {
			return err
		}
		if speaker == nil || *speaker != m.host.ParticipantId() {
			return errNotActive
		}
		return m.advanceLocked(ctx, cfg, nil)
	})
	if err != nil && !errors.Is(err, errNotActive) {
		m.log.Warn("automod: expiry advance failed", zap.Error(err))
	}
}

func (m *Module) onAnimationEnd(ctx context.Context, ev animationEndExternal) {
	if m.currentAnimationID == nil || *m.currentAnimationID != ev.id {
		return // stale timer: a later animation (or a manual select) has
		// since taken over, per spec §7 "Timer mismatch": silently drop.
	}
	m.currentAnimationID = nil

	err := m.withLock(ctx, func(ctx context.Context) error {
		cfg, err := m.readConfig(ctx)
		if err != nil {
			return err
		}
		if cfg == nil {
			return errNotActive
		}
		speaker, err := m.readSpeaker(ctx)
		if err != nil {
			return err
		}
		if speaker != nil {
			// Someone already claimed the slot (a moderator override, or
			// the leaver-vacate path) while the animation was running.
			return errNotActive
		}
		return m.selectSpecificLocked(ctx, cfg, ev.result, false)
	})
	if err != nil && !errors.Is(err, errNotActive) {
		m.log.Warn("automod: animation promote failed", zap.Error(err))
	}
}
