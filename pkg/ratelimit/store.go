package ratelimit

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the Redis key prefix for shared budget state.
const DefaultKeyPrefix = "trawl:ratelimit"

// Store persists per-token budgets. The governor loads every token's budget
// before selecting one and saves after each header observation.
//
// The in-memory store scopes budgets to one client instance. RedisStore
// shares them across processes; callers opting into a shared token pool are
// responsible for pointing every fetcher at the same Redis.
type Store interface {
	// Load returns the budget for a token key. A token never seen before
	// yields a zero Budget (Known=false), not an error.
	Load(ctx context.Context, key string) (Budget, error)

	// Save stores the budget for a token key.
	Save(ctx context.Context, key string, b Budget) error
}

// MemoryStore is the default in-process budget store.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[string]Budget
}

// NewMemoryStore creates an empty in-process budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]Budget)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgets[key], nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key string, b Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[key] = b
	return nil
}

// RedisStore shares budget state across processes via Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed budget store. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (Budget, error) {
	data, err := s.client.Get(ctx, s.prefix+":"+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Budget{}, nil
		}
		return Budget{}, fmt.Errorf("redis get: %w", err)
	}

	var b Budget
	if err := json.Unmarshal(data, &b); err != nil {
		return Budget{}, fmt.Errorf("unmarshal budget: %w", err)
	}
	return b, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, b Budget) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+":"+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// TokenKey derives a stable store key from an auth token without exposing
// the token itself. The empty token maps to "anonymous".
func TokenKey(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha1.Sum([]byte(token))
	return hex.EncodeToString(sum[:6])
}
