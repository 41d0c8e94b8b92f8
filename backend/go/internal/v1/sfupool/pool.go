// Package sfupool maintains the set of connected SFU backends, places new
// publishers on the least-loaded backend, and routes new subscribers to the
// backend already hosting the publisher they target. Grounded on
// original_source/crates/janus-media/src/mcu/mod.rs's McuPool (least-loaded
// placement via a Redis sorted set, a Redis-hash publisher directory,
// reload-time drain/connect reconciliation) and the teacher's
// circuit-breaker-per-dependency shape (pkg/sfu/client.go).
package sfupool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

// ErrNoBackends is returned by new_publisher when the pool has no connected
// backend to place a publisher on.
var ErrNoBackends = errors.New("sfupool: no connected backends")

// ErrPublisherNotFound is returned by new_subscriber when no publisher has
// been recorded for the requested media session key.
var ErrPublisherNotFound = errors.New("sfupool: publisher not found")

const (
	loadKey           = "mcu:load"
	publisherInfoKey  = "mcu:publishers"
	keepaliveInterval = 10 * time.Second
	drainGrace        = 250 * time.Millisecond
)

// Pool holds every connected SFU backend and arbitrates publisher/subscriber
// placement across them.
type Pool struct {
	mu       sync.RWMutex
	backends map[string]*backend

	cache      *cache.Gateway
	bus        *bus.Gateway
	roomConfig RoomConfig
	log        *zap.Logger

	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

// New builds an empty pool. Call Reload (or Start) to connect backends.
func New(c *cache.Gateway, b *bus.Gateway, roomConfig RoomConfig, log *zap.Logger) *Pool {
	return &Pool{
		backends:   make(map[string]*backend),
		cache:      c,
		bus:        b,
		roomConfig: roomConfig,
		log:        log,
	}
}

// Start connects the initial set of backends and launches the keepalive
// ticker. Call once at startup; subsequent changes go through Reload.
func (p *Pool) Start(ctx context.Context, configs []BackendConfig) error {
	if err := p.Reload(ctx, configs); err != nil {
		return err
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	p.stopKeepalive = cancel
	p.keepaliveDone = make(chan struct{})
	go p.keepaliveLoop(keepaliveCtx)
	return nil
}

// BackendCount reports how many SFU backends are currently connected, used
// by the readiness probe to flag a pool with no usable placement target.
func (p *Pool) BackendCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.backends)
}

// Close stops the keepalive loop and destroys every backend session.
func (p *Pool) Close(ctx context.Context) {
	if p.stopKeepalive != nil {
		p.stopKeepalive()
		<-p.keepaliveDone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		b.destroy(ctx)
	}
	p.backends = make(map[string]*backend)
}

func (p *Pool) keepaliveLoop(ctx context.Context) {
	defer close(p.keepaliveDone)
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runKeepalives(ctx)
		}
	}
}

func (p *Pool) runKeepalives(ctx context.Context) {
	p.mu.RLock()
	snapshot := make([]*backend, 0, len(p.backends))
	for _, b := range p.backends {
		snapshot = append(snapshot, b)
	}
	p.mu.RUnlock()

	for _, b := range snapshot {
		if err := b.keepalive(ctx); err != nil {
			p.log.Warn("sfupool: backend failed keepalive, forcing destroy", zap.String("backend", b.id), zap.Error(err))
			p.forceDestroy(ctx, b.id)
		}
	}
}

// forceDestroy removes a backend that failed keepalive, broadcasting
// disconnect to its live publishers/subscribers.
func (p *Pool) forceDestroy(ctx context.Context, id string) {
	p.mu.Lock()
	b, ok := p.backends[id]
	if ok {
		delete(p.backends, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	b.destroy(ctx)
	_ = p.cache.ZRem(ctx, loadKey, id)
	metrics.SFUBackendsActive.Dec()
	metrics.SFUBackendLoad.DeleteLabelValues(id)
}

// Reload reconciles the backend set against a fresh configuration list:
// backends absent from configs are drained gracefully (disconnect
// broadcast, up to drainGrace to let in-flight work notice, then destroy);
// backends present in configs but not yet connected are connected.
func (p *Pool) Reload(ctx context.Context, configs []BackendConfig) error {
	wanted := make(map[string]BackendConfig, len(configs))
	for _, c := range configs {
		wanted[c.ID] = c
	}

	p.mu.Lock()
	var toRemove []*backend
	for id, b := range p.backends {
		if _, ok := wanted[id]; !ok {
			toRemove = append(toRemove, b)
			delete(p.backends, id)
		}
	}
	var toAdd []BackendConfig
	for id, c := range wanted {
		if _, ok := p.backends[id]; !ok {
			toAdd = append(toAdd, c)
		}
	}
	p.mu.Unlock()

	for _, b := range toRemove {
		b.broadcastDisconnect()
		time.Sleep(drainGrace)
		b.destroy(ctx)
		_ = p.cache.ZRem(ctx, loadKey, b.id)
		metrics.SFUBackendsActive.Dec()
		metrics.SFUBackendLoad.DeleteLabelValues(b.id)
	}

	for _, c := range toAdd {
		b, err := connectBackend(ctx, p.bus, c, p.log)
		if err != nil {
			p.log.Error("sfupool: failed to connect backend", zap.String("backend", c.ID), zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.backends[c.ID] = b
		p.mu.Unlock()
		// seed sorted-set membership at zero load so choosePlacement sees it
		if _, err := p.cache.ZIncrBy(ctx, loadKey, 0, c.ID); err != nil {
			p.log.Warn("sfupool: failed to seed backend load entry", zap.String("backend", c.ID), zap.Error(err))
		}
		metrics.SFUBackendsActive.Inc()
		p.log.Info("sfupool: connected backend", zap.String("backend", c.ID))
	}

	return nil
}

func (p *Pool) choosePlacement(ctx context.Context) (*backend, error) {
	ordered, err := p.cache.ZRangeByScoreAsc(ctx, loadKey)
	if err != nil {
		return nil, fmt.Errorf("sfupool: read backend load: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range ordered {
		if b, ok := p.backends[id]; ok {
			return b, nil
		}
	}
	// fall back to any connected backend not yet tracked in the sorted set
	// (freshly connected, before its seed ZIncrBy landed)
	for _, b := range p.backends {
		return b, nil
	}
	return nil, ErrNoBackends
}

// NewPublisher selects the least-loaded backend, creates a fresh
// per-publisher room on it, attaches a publisher handle, and records the
// placement in the publisher directory for later new_subscriber lookups.
func (p *Pool) NewPublisher(ctx context.Context, key ids.MediaSessionKey) (*Publisher, error) {
	b, err := p.choosePlacement(ctx)
	if err != nil {
		return nil, err
	}

	handle, roomID, err := createPublisherRoom(ctx, b.session, key, p.roomConfig)
	if err != nil {
		return nil, err
	}

	info := publisherInfo{BackendID: b.id, RoomID: roomID}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("sfupool: marshal publisher info: %w", err)
	}
	if err := p.cache.HSet(ctx, publisherInfoKey, key.String(), raw); err != nil {
		return nil, fmt.Errorf("sfupool: record publisher directory entry: %w", err)
	}

	return &Publisher{Handle: handle, backendID: b.id, roomID: roomID, key: key, disconnected: b.disconnected}, nil
}

// NewSubscriber looks up the target publisher's backend and room, attaches
// a subscriber handle there, and increments that backend's load score.
func (p *Pool) NewSubscriber(ctx context.Context, targetKey ids.MediaSessionKey) (*Subscriber, error) {
	raw, err := p.cache.HGet(ctx, publisherInfoKey, targetKey.String())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrPublisherNotFound
		}
		return nil, fmt.Errorf("sfupool: read publisher directory: %w", err)
	}

	var info publisherInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("sfupool: decode publisher directory entry: %w", err)
	}

	p.mu.RLock()
	b, ok := p.backends[info.BackendID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sfupool: publisher's backend %q is no longer connected", info.BackendID)
	}

	handle, jsep, err := joinSubscriberRoom(ctx, b.session, info.RoomID, targetKey)
	if err != nil {
		return nil, err
	}

	if _, err := p.cache.ZIncrBy(ctx, loadKey, 1, info.BackendID); err != nil {
		p.log.Warn("sfupool: failed to record subscriber load", zap.String("backend", info.BackendID), zap.Error(err))
	}
	metrics.SFUBackendLoad.WithLabelValues(info.BackendID).Inc()

	return &Subscriber{Handle: handle, InitialOffer: jsep, backendID: info.BackendID, roomID: info.RoomID, key: targetKey, disconnected: b.disconnected}, nil
}

// RemovePublisher detaches a publisher's handle and removes its directory
// entry, so a later new_subscriber lookup for the same key correctly fails
// with ErrPublisherNotFound rather than routing to a dead handle.
func (p *Pool) RemovePublisher(ctx context.Context, pub *Publisher) error {
	if err := pub.Handle.Detach(ctx, p.log); err != nil {
		p.log.Warn("sfupool: failed to detach publisher handle", zap.String("key", pub.key.String()), zap.Error(err))
	}
	return p.cache.HDel(ctx, publisherInfoKey, pub.key.String())
}

// RemoveSubscriber detaches a subscriber's handle and gives back its load
// share on the hosting backend.
func (p *Pool) RemoveSubscriber(ctx context.Context, sub *Subscriber) error {
	if err := sub.Handle.Detach(ctx, p.log); err != nil {
		p.log.Warn("sfupool: failed to detach subscriber handle", zap.String("key", sub.key.String()), zap.Error(err))
	}
	if _, err := p.cache.ZIncrBy(ctx, loadKey, -1, sub.backendID); err != nil {
		return fmt.Errorf("sfupool: release subscriber load: %w", err)
	}
	metrics.SFUBackendLoad.WithLabelValues(sub.backendID).Dec()
	return nil
}
