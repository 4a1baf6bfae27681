package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to SCHEDFLOW_TEST_REDIS_ADDR and skips when it is unset.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SCHEDFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SCHEDFLOW_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s unavailable: %v", addr, err)
	}
	return rdb
}

func TestRedisExcludes(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedis(rdb, "schedflow:test:"+t.Name()+":")
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "scanner:default", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(short, "scanner:default", time.Minute); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Acquire() error = %v, want ErrTimeout", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := l.Acquire(ctx, "scanner:default", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again.Release(ctx)
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedis(rdb, "schedflow:test:"+t.Name()+":")
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// The first lease expired; a second holder now owns the key.
	second, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	defer second.Release(ctx)

	_ = lease.Release(ctx)
	if v, err := rdb.Get(ctx, "schedflow:test:"+t.Name()+":k").Result(); err != nil || v == "" {
		t.Errorf("stale Release() removed the new holder's lock: %q, %v", v, err)
	}
}
