package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis returns a Redis client against a local instance, skipping
// the test when none is reachable. Integration coverage with a container
// lives under tests/integration.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewSharedCachePanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSharedCache(nil) must panic")
		}
	}()
	NewSharedCache(nil)
}

func TestSharedCacheSetAndGet(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))
	ctx := context.Background()

	key := NewKey("https://fhir.example.com/4_0_0/Patient/1")
	entry := &Entry{
		Body:         []byte(`{"resourceType":"Patient","id":"1"}`),
		ETag:         `W/"3"`,
		LastModified: time.Now().Add(-time.Hour).Truncate(time.Second),
		Expires:      time.Now().Add(5 * time.Minute),
		StatusCode:   200,
		CachedAt:     time.Now(),
	}

	if err := shared.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := shared.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Body) != string(entry.Body) {
		t.Errorf("body = %s, want %s", got.Body, entry.Body)
	}
	if got.ETag != entry.ETag {
		t.Errorf("etag = %q, want %q", got.ETag, entry.ETag)
	}
	if got.StatusCode != 200 {
		t.Errorf("status = %d, want 200", got.StatusCode)
	}
}

func TestSharedCacheMiss(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))

	_, err := shared.Get(context.Background(), NewKey("https://fhir.example.com/Patient/none"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestSharedCacheKeepsStaleEntryForRevalidation(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))
	ctx := context.Background()

	key := NewKey("https://fhir.example.com/Patient/2")
	entry := &Entry{
		Body:    []byte(`{"resourceType":"Patient","id":"2"}`),
		ETag:    `W/"9"`,
		Expires: time.Now().Add(-time.Minute),
	}

	if err := shared.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := shared.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v, stale entries must stay retrievable", err)
	}
	if !got.IsExpired() {
		t.Error("entry should be stale")
	}
	if !got.ShouldRevalidate() {
		t.Error("stale entry with an ETag must ask for revalidation")
	}
}

func TestSharedCacheDelete(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))
	ctx := context.Background()

	key := NewKey("https://fhir.example.com/Patient/3")
	entry := &Entry{Body: []byte(`{}`), Expires: time.Now().Add(time.Minute)}

	if err := shared.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := shared.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := shared.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}
}

func TestSharedCacheRenew(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))
	ctx := context.Background()

	key := NewKey("https://fhir.example.com/Patient/4")
	entry := &Entry{
		Body:    []byte(`{"resourceType":"Patient","id":"4"}`),
		ETag:    `W/"1"`,
		Expires: time.Now().Add(-time.Minute),
	}
	if err := shared.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	newExpires := time.Now().Add(10 * time.Minute)
	if err := shared.Renew(ctx, key, newExpires); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}

	got, err := shared.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := got.Expires.Sub(newExpires); diff < -time.Second || diff > time.Second {
		t.Errorf("expires = %v, want about %v", got.Expires, newExpires)
	}
	if got.IsExpired() {
		t.Error("renewed entry must be fresh again")
	}
}

func TestSharedCacheSetNilEntry(t *testing.T) {
	shared := NewSharedCache(setupTestRedis(t))
	if err := shared.Set(context.Background(), "key", nil); err == nil {
		t.Error("Set(nil) must error")
	}
}
