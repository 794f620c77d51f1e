package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker serializes retention work per tenant across processes. The hold
// check and the destruction it guards run under the same lock that hold
// creation takes, so a hold created before execution always wins.
type Locker interface {
	// Acquire blocks until the lock is held or ctx ends. The returned
	// function releases it.
	Acquire(ctx context.Context, tenantID string) (func(), error)
}

// LocalLocker is an in-process Locker for single-replica deployments and tests
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) Acquire(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return m.Unlock, nil
	case <-ctx.Done():
		// The goroutine still takes the lock; hand it straight back
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// releaseScript deletes the key only while it still carries our token
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX
type RedisLocker struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(client *goredis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "clinicguard:retention:lock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, tenantID string) (func(), error) {
	key := l.prefix + tenantID
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire retention lock: %w", err)
		}
		if ok {
			return func() {
				// Release on a fresh context so a cancelled caller still unlocks
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, l.client, []string{key}, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, tenantID, ctx.Err())
		case <-ticker.C:
		}
	}
}
