package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Session is an access/refresh token pair for one platform
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
}

// Valid reports whether the access token is usable at now with skew headroom
func (s Session) Valid(now time.Time, skew time.Duration) bool {
	return s.AccessToken != "" && now.Add(skew).Before(s.ExpiresAt)
}

// CanRefresh reports whether the refresh token is still usable at now
func (s Session) CanRefresh(now time.Time) bool {
	if s.RefreshToken == "" {
		return false
	}
	return s.RefreshExpiresAt.IsZero() || now.Before(s.RefreshExpiresAt)
}

// Store persists the session of one platform
type Store interface {
	// Load returns the saved session, or nil if none exists
	Load(ctx context.Context) (*Session, error)

	// Save persists the session
	Save(ctx context.Context, s Session) error

	// Clear removes any saved session
	Clear(ctx context.Context) error
}

// MemoryStore keeps the session for the lifetime of the process
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &sess
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// RedisStore shares the session between processes and survives restarts.
// Keys expire together with the refresh token.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) Load(ctx context.Context) (*Session, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt entry is as good as none
		return nil, nil
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, data, ttl(sess)).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func ttl(sess Session) time.Duration {
	until := sess.ExpiresAt
	if sess.RefreshExpiresAt.After(until) {
		until = sess.RefreshExpiresAt
	}
	d := time.Until(until)
	if d <= 0 {
		return time.Minute
	}
	return d
}
