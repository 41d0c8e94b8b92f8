package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when the lock is currently held by
// another holder.
var ErrLockHeld = errors.New("cache: lock held by another holder")

// ErrLockTimeout is returned by Lock when the deadline elapses before the
// lock could be acquired.
var ErrLockTimeout = errors.New("cache: lock acquisition timed out")

// releaseScript performs a compare-and-delete: it only removes the lock key
// if its value still matches the fencing token we were handed on acquire,
// so a holder whose lease already expired and was stolen by someone else
// can never release the new holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock is a held distributed mutex with a fencing token. Release is
// idempotent: it is a no-op once called, and a no-op if the token has
// already been superseded by another holder's lease.
type Lock struct {
	gateway *Gateway
	key     string
	token   string
	lease   time.Duration
}

// Token returns the fencing token associated with this lock acquisition.
func (l *Lock) Token() string { return l.token }

// Release drops the lock if — and only if — it is still held by this token.
// Safe to call multiple times; safe to call after the lease has expired.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.gateway == nil {
		return nil
	}
	_, err := l.gateway.execute(ctx, "lock_release", func() (any, error) {
		return releaseScript.Run(ctx, l.gateway.client, []string{l.key}, l.token).Result()
	})
	return err
}

// TryLock attempts to acquire the named mutex once, without blocking.
// Returns ErrLockHeld if another holder currently owns it.
func (g *Gateway) TryLock(ctx context.Context, key string, lease time.Duration) (*Lock, error) {
	token := uuid.New().String()
	res, err := g.execute(ctx, "lock_acquire", func() (any, error) {
		return g.client.SetNX(ctx, key, token, lease).Result()
	})
	if err != nil {
		return nil, err
	}
	if !res.(bool) {
		return nil, ErrLockHeld
	}
	return &Lock{gateway: g, key: key, token: token, lease: lease}, nil
}

// Lock blocks until the named mutex is acquired or deadline elapses,
// whichever comes first. A zero deadline blocks until ctx is cancelled.
func (g *Gateway) Lock(ctx context.Context, key string, lease time.Duration, deadline time.Duration) (*Lock, error) {
	lockCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		lockCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	const pollInterval = 25 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		lock, err := g.TryLock(ctx, key, lease)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-lockCtx.Done():
			if deadline > 0 {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, lockCtx.Err()
		case <-ticker.C:
		}
	}
}
