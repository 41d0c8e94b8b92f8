// Package bus is a topic-routed message bus gateway over a shared Redis
// instance. Each room gets its own exchange (a Pub/Sub channel namespaced by
// signaling room id); SFU backends get a dedicated to/from-key exchange pair.
// A subscription pattern-subscribes to its exchange's channel name and
// filters deliveries by routing key after decoding: an empty or "*" key
// matches every delivery, any other key must match exactly. Room fan-out uses
// the literal key "all", and SFU backend addressing uses exact to/from keys.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrTransport is wrapped by any error caused by the bus being unreachable.
var ErrTransport = errors.New("bus: transport failure")

// Envelope is the wire frame carried over every exchange: a routing key for
// delivery-side filtering, an opaque transaction correlation id (used by the
// SFU plugin client to match requests to responses), and the caller's payload.
type Envelope struct {
	RoutingKey    string          `json:"routingKey"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlationId,omitempty"`
}

// Delivery is a single message received from a subscription, with an ack
// handle. Redis Pub/Sub is at-most-once on the wire; Ack/Nack are no-ops that
// exist to satisfy the at-least-once *interface* contract — the delivered-once
// guarantee is instead met by consumers being idempotent by construction
// (room state is read from the cache, never inferred from bus replay).
type Delivery struct {
	RoutingKey    string
	Payload       json.RawMessage
	CorrelationId string
}

// Ack acknowledges successful processing of a delivery. No-op over Redis
// Pub/Sub; kept so callers can be written against richer at-least-once buses.
func (Delivery) Ack() {}

// Nack signals failed processing of a delivery. No-op over Redis Pub/Sub.
func (Delivery) Nack() {}

// Gateway is a typed publish/consume gateway over a shared Redis instance.
type Gateway struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New creates a Gateway connected to addr, verifying connectivity immediately.
func New(addr, password string, db int) (*Gateway, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}

	slog.Info("connected to bus", "addr", addr)
	return &Gateway{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewFromClient wraps an already-constructed client, used by tests.
func NewFromClient(client *redis.Client) *Gateway {
	return &Gateway{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "bus"}),
	}
}

// Client returns the underlying Redis client, for components (like the rate
// limiter) that need to share the connection for unrelated purposes.
func (g *Gateway) Client() *redis.Client {
	if g == nil {
		return nil
	}
	return g.client
}

// Close releases the underlying connection.
func (g *Gateway) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Ping verifies connectivity, used by health checks.
func (g *Gateway) Ping(ctx context.Context) error {
	if g == nil || g.client == nil {
		return nil
	}
	_, err := g.cb.Execute(func() (any, error) { return nil, g.client.Ping(ctx).Err() })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Publish sends payload to every subscriber of exchange whose routing-key
// pattern matches routingKey. correlationId is opaque to the bus; the SFU
// plugin client uses it to match async responses back to pending requests.
func (g *Gateway) Publish(ctx context.Context, exchange, routingKey string, payload any, correlationId string) error {
	if g == nil || g.client == nil {
		return nil // single-instance mode: no bus available, nothing to fan out
	}

	_, err := g.cb.Execute(func() (any, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env := Envelope{RoutingKey: routingKey, Payload: inner, CorrelationId: correlationId}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, g.client.Publish(ctx, exchange, data).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			slog.Warn("bus circuit breaker open: dropping publish", "exchange", exchange, "routingKey", routingKey)
			return nil // graceful degradation: drop, don't crash the caller
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Subscribe opens a pattern subscription on exchange and streams matching
// deliveries to the returned channel until ctx is cancelled. queueName is
// purely a label used in logs (Redis Pub/Sub has no durable queue concept).
func (g *Gateway) Subscribe(ctx context.Context, queueName, exchange, routingKeyPattern string) <-chan Delivery {
	out := make(chan Delivery, 64)
	if g == nil || g.client == nil {
		close(out)
		return out
	}

	// exchange is the Redis channel; routingKeyPattern is matched against the
	// envelope's routing key after decode, since Redis channel globs operate
	// on the channel name, not on message content.
	sub := g.client.PSubscribe(ctx, exchange)

	go func() {
		defer close(out)
		defer sub.Close()

		slog.Info("subscribed to bus exchange", "queue", queueName, "exchange", exchange, "pattern", routingKeyPattern)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("failed to decode bus envelope", "error", err, "queue", queueName)
					continue
				}
				if !routingKeyMatches(routingKeyPattern, env.RoutingKey) {
					continue
				}
				select {
				case out <- Delivery{RoutingKey: env.RoutingKey, Payload: env.Payload, CorrelationId: env.CorrelationId}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// routingKeyMatches implements the one routing-key pattern this system
// actually needs: "" or "*" matches everything, "all" matches the literal
// fan-out key, anything else is an exact match.
func routingKeyMatches(pattern, routingKey string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return pattern == routingKey
}
