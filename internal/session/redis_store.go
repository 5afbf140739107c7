// Package session stores the active session context for each logged-in
// actor. Login attaches a pre-issued token to a context record, logout
// revokes it; nothing here issues credentials.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a missing or expired session.
var ErrNotFound = errors.New("session not found or expired")

// Context is the per-session actor context. It replaces any ambient global
// actor: callers pass it explicitly into permission and workflow checks.
type Context struct {
	ActorID      string    `json:"actor_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedisStore keeps session contexts in Redis, keyed by token hash.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save stores the session context under the token hash with the store TTL.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, sess Context) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	jsonData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup retrieves the session context for a token hash.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Context, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return Context{}, ErrNotFound
	}
	if err != nil {
		return Context{}, fmt.Errorf("lookup session: %w", err)
	}

	var sess Context
	if err := json.Unmarshal([]byte(jsonData), &sess); err != nil {
		return Context{}, fmt.Errorf("unmarshal session context: %w", err)
	}
	return sess, nil
}

// Revoke deletes a session context (logout teardown).
func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
