package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaylabs/otp-relay/internal/config"
	"go.uber.org/zap"
)

func TestBuildStoreEmptyRedisURLIsNotDegraded(t *testing.T) {
	t.Parallel()

	kv, rdb, degraded := buildStore(context.Background(), &config.Config{}, zap.NewNop())
	if kv == nil {
		t.Fatal("buildStore() returned no store")
	}
	t.Cleanup(func() {
		if closer, ok := kv.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	})

	if rdb != nil {
		t.Fatal("buildStore() with empty url should not open a redis client")
	}
	// Choosing the in-memory store is a configuration, not a fallback.
	if degraded {
		t.Fatal("buildStore() with empty url must not report degraded mode")
	}
}

func TestBuildStoreUnreachableRedisFallsBackDegraded(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{RedisURL: "not-a-redis-url"}
	kv, rdb, degraded := buildStore(context.Background(), cfg, zap.NewNop())
	if kv == nil {
		t.Fatal("buildStore() returned no store")
	}
	t.Cleanup(func() {
		if closer, ok := kv.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	})

	if rdb != nil {
		t.Fatal("buildStore() should not hand back a client it could not connect")
	}
	if !degraded {
		t.Fatal("buildStore() falling back from a configured redis must report degraded mode")
	}
}

func TestBuildStoreConnectsRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	cfg := &config.Config{RedisURL: "redis://" + mr.Addr()}
	kv, rdb, degraded := buildStore(context.Background(), cfg, zap.NewNop())
	if kv == nil {
		t.Fatal("buildStore() returned no store")
	}
	if rdb == nil {
		t.Fatal("buildStore() should return the connected client")
	}
	t.Cleanup(func() { _ = rdb.Close() })

	if degraded {
		t.Fatal("a connected redis store must not report degraded mode")
	}
}
