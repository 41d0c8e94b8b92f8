package sfupool

import (
	"context"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfuclient"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// backend is one connected SFU, wrapped in its own circuit breaker so a
// single misbehaving backend degrades independently of the others.
type backend struct {
	id      string
	client  *sfuclient.Client
	session *sfuclient.Session
	cb      *gobreaker.CircuitBreaker

	// disconnected is closed exactly once, either by a failed keepalive or
	// by a graceful reload-drain, to broadcast to every publisher/
	// subscriber handle sharing this backend that it is going away.
	disconnected chan struct{}
}

func connectBackend(ctx context.Context, b *bus.Gateway, cfg BackendConfig, log *zap.Logger) (*backend, error) {
	client := sfuclient.Dial(ctx, b, cfg.ID, cfg.RequestExchange, cfg.ResponseExchange, log)

	session, err := client.CreateSession(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        "sfu-" + cfg.ID,
		MaxRequests: 3,
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
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &backend{
		id:           cfg.ID,
		client:       client,
		session:      session,
		cb:           gobreaker.NewCircuitBreaker(st),
		disconnected: make(chan struct{}),
	}, nil
}

func (b *backend) keepalive(ctx context.Context) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.session.Keepalive(ctx)
	})
	return err
}

// broadcastDisconnect closes the disconnect channel, waking every
// publisher/subscriber sharing this backend. Safe to call more than once.
func (b *backend) broadcastDisconnect() {
	select {
	case <-b.disconnected:
	default:
		close(b.disconnected)
	}
}

// destroy broadcasts disconnect (if not already broadcast) and tears down
// the underlying session and client. Safe to call more than once.
func (b *backend) destroy(ctx context.Context) {
	b.broadcastDisconnect()
	_ = b.session.Destroy(ctx)
	b.client.Close()
}
