package sfuclient

import (
	"context"
	"errors"
	"time"
)

// ErrProtocol indicates a sync request received something other than
// exactly an ack, or an async request's ack was followed by a second
// non-final message.
var ErrProtocol = errors.New("sfuclient: protocol error")

// ErrTimeout indicates a waiter did not receive its expected message within
// the ack (2s) or final-event (10s) deadline.
var ErrTimeout = errors.New("sfuclient: timed out waiting for response")

// ErrClosed indicates the client (or its backend connection) was closed
// while a transaction was still outstanding.
var ErrClosed = errors.New("sfuclient: client closed")

const (
	ackTimeout   = 2 * time.Second
	finalTimeout = 10 * time.Second
)

// waiter receives exactly the responses addressed to one outstanding
// transaction id. It models three states — awaiting-ack, awaiting-final,
// done — as control flow rather than an explicit enum: isAsync requests
// move ack -> final -> done, sync requests move ack -> done directly. The
// one-slot backlog holds a final event that arrives before its ack, per the
// ordering quirk described in package doc.
type waiter struct {
	isAsync bool
	backlog *responseEnvelope
	deliver chan responseEnvelope
}

func newWaiter(isAsync bool) *waiter {
	return &waiter{isAsync: isAsync, deliver: make(chan responseEnvelope, 2)}
}

// feed is called by the client's dispatch loop for every message matching
// this transaction id. It never blocks.
func (w *waiter) feed(env responseEnvelope) {
	select {
	case w.deliver <- env:
	default:
		// deliver is sized for ack+final; a third message for one
		// transaction id would indicate a misbehaving backend and is
		// dropped rather than blocking the dispatch loop.
	}
}

// awaitAck blocks until the ack for a sync request arrives, or until
// ackTimeout elapses. Any non-ack response to a sync request is a protocol
// error. The ack itself may carry data (e.g. create-session's assigned
// session id, attach's assigned handle id), so the envelope is returned
// alongside the error.
func (w *waiter) awaitAck(ctx context.Context) (responseEnvelope, error) {
	select {
	case env, ok := <-w.deliver:
		if !ok {
			return responseEnvelope{}, ErrClosed
		}
		if env.Kind == responseError {
			return responseEnvelope{}, protocolOrReasonError(env)
		}
		if env.Kind != responseAck {
			return responseEnvelope{}, ErrProtocol
		}
		return env, nil
	case <-time.After(ackTimeout):
		return responseEnvelope{}, ErrTimeout
	case <-ctx.Done():
		return responseEnvelope{}, ctx.Err()
	}
}

// awaitFinal blocks until the async response's ack (if not already received)
// and then its final event arrive, applying the ordering quirk: a final
// event that arrives before its ack is buffered and returned only once the
// ack itself is observed.
func (w *waiter) awaitFinal(ctx context.Context) (responseEnvelope, error) {
	if w.backlog == nil {
		env, err := w.receiveOne(ctx, ackTimeout)
		if err != nil {
			return responseEnvelope{}, err
		}
		switch env.Kind {
		case responseError:
			return responseEnvelope{}, protocolOrReasonError(env)
		case responseAck:
			// expected order: fall through to wait for the final event
		default:
			// the final event arrived before its ack; stash it and keep
			// waiting for the ack that must still follow
			w.backlog = &env
			ackEnv, err := w.receiveOne(ctx, ackTimeout)
			if err != nil {
				return responseEnvelope{}, err
			}
			if ackEnv.Kind == responseError {
				return responseEnvelope{}, protocolOrReasonError(ackEnv)
			}
			if ackEnv.Kind != responseAck {
				return responseEnvelope{}, ErrProtocol
			}
			final := *w.backlog
			w.backlog = nil
			return final, nil
		}
	}

	if w.backlog != nil {
		final := *w.backlog
		w.backlog = nil
		return final, nil
	}

	env, err := w.receiveOne(ctx, finalTimeout)
	if err != nil {
		return responseEnvelope{}, err
	}
	if env.Kind == responseError {
		return responseEnvelope{}, protocolOrReasonError(env)
	}
	if env.Kind != responseFinal {
		return responseEnvelope{}, ErrProtocol
	}
	return env, nil
}

func (w *waiter) receiveOne(ctx context.Context, timeout time.Duration) (responseEnvelope, error) {
	select {
	case env, ok := <-w.deliver:
		if !ok {
			return responseEnvelope{}, ErrClosed
		}
		return env, nil
	case <-time.After(timeout):
		return responseEnvelope{}, ErrTimeout
	case <-ctx.Done():
		return responseEnvelope{}, ctx.Err()
	}
}

func protocolOrReasonError(env responseEnvelope) error {
	if env.Reason != "" {
		return errors.New("sfuclient: backend error: " + env.Reason)
	}
	return ErrProtocol
}
