// Package dedup provides the idempotency store behind the real-time
// evaluation trigger. The engine checks a key before enqueuing so a
// burst of evaluation events for the same suggestion produces one
// enqueue attempt, without a process-global set.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records idempotency keys with a TTL. FirstSeen reports whether
// the key was newly recorded.
type Store interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

// RedisStore keeps idempotency keys in Redis, shared across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return &RedisStore{client: client, prefix: "trigger:"}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "trigger:"}
}

// FirstSeen records the key if absent. SETNX makes check-and-record a
// single round trip, so concurrent callers cannot both see "first".
func (s *RedisStore) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	first, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record idempotency key: %w", err)
	}
	return first, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is the in-process fallback used when no Redis URL is
// configured. Suitable for a single process only.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: map[string]time.Time{}}
}

func (s *MemoryStore) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	// Opportunistic sweep keeps the map from growing with dead keys.
	for existing, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, existing)
		}
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
