package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when another holder owns the lock
	ErrNotAcquired = errors.New("lock held by another process")
	// ErrNotHeld is returned when releasing a lock that expired or changed hands
	ErrNotHeld = errors.New("lock not held")
)

// Releases only when the stored value still matches this holder
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires a named lock for the duration of one sync cycle
type Locker interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Handle releases an acquired lock
type Handle interface {
	Release(ctx context.Context) error
}

// Redis is a single-node Redis lock keyed by name. A held lock is extended
// every ttl/3 until released, so the ttl only bounds how long a crashed
// holder blocks others.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a lock on key
func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

type redisHandle struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Acquire takes the lock without waiting
func (r *Redis) Acquire(ctx context.Context) (Handle, error) {
	value := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, value, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	h := &redisHandle{
		client: r.client,
		key:    r.key,
		value:  value,
		ttl:    r.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.keepAlive(r.ttl / 3)
	return h, nil
}

// keepAlive extends the lock until Release or until it is lost
func (h *redisHandle) keepAlive(every time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := h.extend(ctx)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				return
			}
		}
	}
}

func (h *redisHandle) extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, h.client, []string{h.key}, h.value, h.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", h.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() { close(h.stop) })
	<-h.done

	n, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Nop always succeeds; used when no Redis is configured
type Nop struct{}

func (Nop) Acquire(context.Context) (Handle, error) { return nopHandle{}, nil }

type nopHandle struct{}

func (nopHandle) Release(context.Context) error { return nil }
