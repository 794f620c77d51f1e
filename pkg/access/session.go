package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "session:"

// SessionStore persists sessions
type SessionStore interface {
	Create(ctx context.Context, userID, activeTenant string, ttl time.Duration, meta RequestMeta) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Revoke(ctx context.Context, id string) error
	SetActiveTenant(ctx context.Context, id, tenant string) (*Session, error)
}

// RedisSessionStore keeps sessions as JSON under session:<id> with a TTL
// equal to the remaining session lifetime.
type RedisSessionStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisSessionStore creates a Redis-backed session store
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, now: time.Now}
}

// Create starts a new session for userID
func (s *RedisSessionStore) Create(ctx context.Context, userID, activeTenant string, ttl time.Duration, meta RequestMeta) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	now := s.now().UTC()
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ActiveTenantID: activeTenant,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
	}
	if err := s.put(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session. Missing and expired sessions return ErrSessionNotFound.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if !session.Valid(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// Revoke deletes a session. Revoking an unknown session is not an error.
func (s *RedisSessionStore) Revoke(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// SetActiveTenant switches the session's active tenant. Authorization of the
// tenant happens when the next Context is built.
func (s *RedisSessionStore) SetActiveTenant(ctx context.Context, id, tenant string) (*Session, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	session.ActiveTenantID = tenant
	if err := s.put(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *RedisSessionStore) put(ctx context.Context, session *Session) error {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}
