package retention

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)

	// Another tenant is independent
	other, err := l.Acquire(context.Background(), "clinic-b")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "clinic-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)
	again()
}

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLocker(client, "", ttl)
	l.poll = 5 * time.Millisecond
	return l, mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l, mr := newTestRedisLocker(t, time.Minute)
	key := "clinicguard:retention:lock:clinic-a"

	unlock, err := l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))
	assert.InDelta(t, time.Minute.Seconds(), mr.TTL(key).Seconds(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "clinic-a")
	assert.ErrorIs(t, err, ErrLockHeld)

	unlock()
	assert.False(t, mr.Exists(key))

	unlock, err = l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)
	unlock()
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	l, mr := newTestRedisLocker(t, time.Second)
	key := "clinicguard:retention:lock:clinic-a"

	stale, err := l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)

	// The first holder's lease lapses and another process takes the lock
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(key))
	fresh, err := l.Acquire(context.Background(), "clinic-a")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(key), "a late release must not delete the new holder's key")

	fresh()
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	l, mr := newTestRedisLocker(t, time.Minute)
	mr.Close()

	_, err := l.Acquire(context.Background(), "clinic-a")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
}
