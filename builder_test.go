package authgate

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBuilderRequiresDependencies(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemoryUserStore()
	notifier := newRecordingNotifier()
	cfg := testConfig()

	if _, err := New().WithConfig(cfg).WithUserStore(store).WithNotifier(notifier).Build(); err == nil {
		t.Fatal("expected an error without redis")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithNotifier(notifier).Build(); err == nil {
		t.Fatal("expected an error without a user store")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithUserStore(store).Build(); err == nil {
		t.Fatal("expected an error without a notifier")
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	cfg.Pin.MaxAttempts = 0

	_, err = New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(newMemoryUserStore()).
		WithNotifier(newRecordingNotifier()).
		Build()
	if err == nil {
		t.Fatal("expected a config validation error")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithUserStore(newMemoryUserStore()).
		WithNotifier(newRecordingNotifier())

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	if _, err := b.Build(); err == nil {
		t.Fatal("expected the second Build to fail")
	}
}
