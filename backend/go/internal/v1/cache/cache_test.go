package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client), mr
}

func TestSetGetDel(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "k1", []byte("v1"), 0))
	v, err := g.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, g.Del(ctx, "k1"))
	_, err = g.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHashOps(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.HSet(ctx, "h1", "a", []byte("1")))
	require.NoError(t, g.HSet(ctx, "h1", "b", []byte("2")))

	all, err := g.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, g.HDel(ctx, "h1", "a"))
	_, err = g.HGet(ctx, "h1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOps(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.RPush(ctx, "list1", []byte("p2"), []byte("p1"), []byte("p3")))

	items, err := g.LRange(ctx, "list1", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "p2", string(items[0]))

	head, err := g.LPopFirst(ctx, "list1")
	require.NoError(t, err)
	assert.Equal(t, "p2", string(head))

	require.NoError(t, g.LRemAll(ctx, "list1", []byte("p3")))
	items, err = g.LRange(ctx, "list1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("p1")}, items)

	_, err = g.LPopFirst(ctx, "empty-list")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, g.RPush(ctx, "list2", []byte("p1"), []byte("p2"), []byte("p1")))
	require.NoError(t, g.LRemFirst(ctx, "list2", []byte("p1")))
	items, err = g.LRange(ctx, "list2", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("p2"), []byte("p1")}, items)
}

func TestSetOps(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SAdd(ctx, "s1", "p1"))
	require.NoError(t, g.SAdd(ctx, "s1", "p2"))

	ok, err := g.SIsMember(ctx, "s1", "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	card, err := g.SCard(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, card)

	require.NoError(t, g.SRem(ctx, "s1", "p1"))
	ok, err = g.SIsMember(ctx, "s1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSortedSetLoadPlacement(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := g.ZIncrBy(ctx, "load", 3, "backend-a")
	require.NoError(t, err)
	_, err = g.ZIncrBy(ctx, "load", 1, "backend-b")
	require.NoError(t, err)

	ordered, err := g.ZRangeByScoreAsc(ctx, "load")
	require.NoError(t, err)
	require.Equal(t, []string{"backend-b", "backend-a"}, ordered)

	require.NoError(t, g.ZRem(ctx, "load", "backend-a"))
	ordered, err = g.ZRangeByScoreAsc(ctx, "load")
	require.NoError(t, err)
	assert.Equal(t, []string{"backend-b"}, ordered)
}

func TestLockExclusiveAndFencedRelease(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	lock, err := g.TryLock(ctx, "lock:room1", time.Second)
	require.NoError(t, err)

	_, err = g.TryLock(ctx, "lock:room1", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	// idempotent
	require.NoError(t, lock.Release(ctx))

	lock2, err := g.TryLock(ctx, "lock:room1", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestLockBlocksUntilDeadline(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	held, err := g.TryLock(ctx, "lock:busy", 5*time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = g.Lock(ctx, "lock:busy", time.Second, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockStaleTokenCannotReleaseNewHolder(t *testing.T) {
	g, mr := newTestGateway(t)
	ctx := context.Background()

	lock, err := g.TryLock(ctx, "lock:room2", 10*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(30 * time.Millisecond) // lease expires

	newHolder, err := g.TryLock(ctx, "lock:room2", time.Second)
	require.NoError(t, err)

	// the original (stale) lock must not be able to release the new holder's lock
	require.NoError(t, lock.Release(ctx))

	_, err = g.TryLock(ctx, "lock:room2", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld, "new holder's lock should still be held")

	require.NoError(t, newHolder.Release(ctx))
}
