// Package dedup remembers which targets have already been scanned.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Set records target keys.
type Set interface {
	// Seen reports whether key was marked before.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key.
	Mark(ctx context.Context, key string) error

	// Close releases any connection held by the set.
	Close() error
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory is a process-local Set.
type Memory struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemory returns an empty in-memory set.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]struct{})}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}

// Len returns the number of marked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) Close() error { return nil }

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// DefaultRedisKey is the redis set holding scanned target keys.
const DefaultRedisKey = "sqlmapbatch:scanned"

// Redis is a Set stored in a redis SET, shared across runs and hosts.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to the server at url (redis://host:port/db) and pings
// it. An empty key selects DefaultRedisKey.
func NewRedis(ctx context.Context, url, key string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse redis url: %w", err)
	}
	opt.DialTimeout = 3 * time.Second
	opt.MaxRetries = 1

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("dedup: ping redis: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: rdb, key: key}, nil
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: sismember: %w", err)
	}
	return ok, nil
}

func (r *Redis) Mark(ctx context.Context, key string) error {
	if err := r.client.SAdd(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("dedup: sadd: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
