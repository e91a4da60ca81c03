package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// SharedCache stores FHIR responses in Redis so separate processes and
// consecutive operations reuse them.
type SharedCache struct {
	redis *redis.Client
}

// NewSharedCache creates a shared response cache on a Redis client.
func NewSharedCache(redisClient *redis.Client) *SharedCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &SharedCache{
		redis: redisClient,
	}
}

// Get retrieves an entry by key. Returns ErrCacheMiss when the key does
// not exist. Stale entries are returned as-is so callers can revalidate
// them with a conditional request.
func (s *SharedCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.WithLabelValues("redis").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores an entry. The Redis TTL is the entry's remaining lifetime
// plus a revalidation window, so stale entries survive long enough to be
// revalidated with their ETag instead of refetched.
func (s *SharedCache) Set(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL() + RevalidationWindow
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *SharedCache) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Renew extends an entry's freshness after a 304 Not Modified response.
func (s *SharedCache) Renew(ctx context.Context, key string, newExpires time.Time) error {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.Expires = newExpires
	return s.Set(ctx, key, entry)
}
