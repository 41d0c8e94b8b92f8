// Package sfuclient speaks the JSON request/response plugin protocol to one
// SFU backend, addressed through the bus gateway rather than a direct RPC
// channel. It is grounded on the Rust janus-client's transaction/session/
// handle shape (ack-then-final ordering, per-handle broadcast of untagged
// events) with the transport swapped from RabbitMQ to the Redis-backed bus.
package sfuclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

const eventChannelCapacity = 32

// Client is a connection to a single SFU backend, addressed by a pair of
// bus exchanges: requests are published to requestExchange, responses
// (both transactional replies and untagged events) arrive on
// responseExchange.
type Client struct {
	backendID        string
	bus              *bus.Gateway
	requestExchange  string
	responseExchange string
	log              *zap.Logger

	mu           sync.Mutex
	transactions map[string]*waiter
	handles      map[handleKey]chan Event
	closed       bool

	cancel context.CancelFunc
	done   chan struct{}
}

type handleKey struct {
	session string
	handle  string
}

// Dial opens a Client against a backend's request/response exchange pair
// and starts its response dispatch loop. The backendID is used only for
// labeling metrics and logs.
func Dial(ctx context.Context, b *bus.Gateway, backendID, requestExchange, responseExchange string, log *zap.Logger) *Client {
	loopCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		backendID:        backendID,
		bus:              b,
		requestExchange:  requestExchange,
		responseExchange: responseExchange,
		log:              log,
		transactions:     make(map[string]*waiter),
		handles:          make(map[handleKey]chan Event),
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	deliveries := b.Subscribe(loopCtx, "sfuclient-"+backendID, responseExchange, "")
	go c.dispatchLoop(deliveries)
	return c
}

// Close stops the dispatch loop and fails every outstanding transaction.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, w := range c.transactions {
		close(w.deliver)
	}
	for _, ch := range c.handles {
		close(ch)
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
}

func (c *Client) dispatchLoop(deliveries <-chan bus.Delivery) {
	defer close(c.done)
	for d := range deliveries {
		var env responseEnvelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			c.log.Warn("sfuclient: failed to decode response envelope", zap.Error(err), zap.String("backend", c.backendID))
			continue
		}
		d.Ack()

		if env.Transaction != "" {
			c.routeToTransaction(env)
			continue
		}
		c.routeToHandle(env)
	}
}

func (c *Client) routeToTransaction(env responseEnvelope) {
	c.mu.Lock()
	w, ok := c.transactions[env.Transaction]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("sfuclient: response for unknown transaction", zap.String("transaction", env.Transaction), zap.String("backend", c.backendID))
		metrics.SFUEventsDropped.WithLabelValues("unknown_transaction").Inc()
		return
	}
	w.feed(env)
}

func (c *Client) routeToHandle(env responseEnvelope) {
	key := handleKey{session: env.Session, handle: env.Handle}
	c.mu.Lock()
	ch, ok := c.handles[key]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("sfuclient: untagged event for unknown handle", zap.String("session", env.Session), zap.String("handle", env.Handle))
		metrics.SFUEventsDropped.WithLabelValues("unknown_routing").Inc()
		return
	}

	event := Event{Kind: string(env.Kind), Body: env.Body}
	select {
	case ch <- event:
	default:
		metrics.SFUEventsDropped.WithLabelValues("handle_backlog_full").Inc()
		// drop-oldest: make room for the newest event rather than blocking
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func (c *Client) registerTransaction(isAsync bool) (string, *waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClosed
	}
	id := uuid.New().String()
	w := newWaiter(isAsync)
	c.transactions[id] = w
	return id, w, nil
}

func (c *Client) endTransaction(id string) {
	c.mu.Lock()
	delete(c.transactions, id)
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context, method string, req requestEnvelope, isAsync bool) (responseEnvelope, error) {
	start := time.Now()
	id, w, err := c.registerTransaction(isAsync)
	if err != nil {
		return responseEnvelope{}, err
	}
	defer c.endTransaction(id)

	req.Transaction = id
	req.Method = method
	if err := c.bus.Publish(ctx, c.requestExchange, method, req, id); err != nil {
		metrics.SFURequestsTotal.WithLabelValues(method, "publish_error").Inc()
		return responseEnvelope{}, fmt.Errorf("sfuclient: publish %s: %w", method, err)
	}

	var result responseEnvelope
	if isAsync {
		// awaitFinal owns the full ack-then-final handshake, including the
		// ordering quirk where the final event arrives before its ack.
		result, err = w.awaitFinal(ctx)
	} else {
		result, err = w.awaitAck(ctx)
	}

	metrics.SFURequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SFURequestsTotal.WithLabelValues(method, "error").Inc()
		return responseEnvelope{}, err
	}
	metrics.SFURequestsTotal.WithLabelValues(method, "ok").Inc()
	return result, nil
}

// CreateSession opens a new session on the backend.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	res, err := c.request(ctx, methodCreateSession, requestEnvelope{}, false)
	if err != nil {
		return nil, err
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("%w: create-session ack carried no session id", ErrProtocol)
	}
	return &Session{client: c, id: res.SessionID}, nil
}

func (c *Client) keepalive(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, methodKeepalive, requestEnvelope{Session: sessionID}, false)
	return err
}

func (c *Client) destroySession(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, methodDestroy, requestEnvelope{Session: sessionID}, false)
	return err
}

func (c *Client) attach(ctx context.Context, sessionID, plugin string) (string, error) {
	res, err := c.request(ctx, methodAttach, requestEnvelope{Session: sessionID, Plugin: plugin}, false)
	if err != nil {
		return "", err
	}
	if res.HandleID == "" {
		return "", fmt.Errorf("%w: attach ack carried no handle id", ErrProtocol)
	}
	return res.HandleID, nil
}

func (c *Client) detach(ctx context.Context, sessionID, handleID string) error {
	key := handleKey{session: sessionID, handle: handleID}
	c.mu.Lock()
	if ch, ok := c.handles[key]; ok {
		delete(c.handles, key)
		close(ch)
	}
	c.mu.Unlock()
	_, err := c.request(ctx, methodDetach, requestEnvelope{Session: sessionID, Handle: handleID}, false)
	return err
}

func (c *Client) trickle(ctx context.Context, sessionID, handleID string, candidate json.RawMessage) error {
	_, err := c.request(ctx, methodTrickle, requestEnvelope{Session: sessionID, Handle: handleID, Candidate: candidate}, false)
	return err
}

func (c *Client) pluginMessage(ctx context.Context, sessionID, handleID string, body, jsep json.RawMessage) (Response, error) {
	res, err := c.request(ctx, methodPluginMessage, requestEnvelope{Session: sessionID, Handle: handleID, Body: body, Jsep: jsep}, true)
	if err != nil {
		return Response{}, err
	}
	return Response{Body: res.Body, Jsep: res.Jsep}, nil
}

// eventsFor registers (or returns the existing) broadcast channel for a
// handle, used to surface untagged events such as trickle candidates and
// webrtc-up/down to the handle's owner.
func (c *Client) eventsFor(sessionID, handleID string) chan Event {
	key := handleKey{session: sessionID, handle: handleID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.handles[key]; ok {
		return ch
	}
	ch := make(chan Event, eventChannelCapacity)
	c.handles[key] = ch
	return ch
}
