package authgate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEventLog(t *testing.T, window time.Duration) (*securityEventLog, *fakeClock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newFakeClock()
	return newSecurityEventLog(rdb, "test", window, clock), clock
}

func TestEventLogCountsOnlyFailureKinds(t *testing.T) {
	log, _ := newTestEventLog(t, 24*time.Hour)
	ctx := context.Background()

	kinds := []EventKind{
		EventFailedCredential,
		EventFailedPin,
		EventFailedLocation,
		EventSuccessfulLogin,
		EventLockoutTriggered,
		EventRefreshMismatch,
		EventUnlockFailed,
		EventUnlockSucceeded,
	}
	for _, kind := range kinds {
		if err := log.Record(ctx, kind, "u1", "10.0.0.1"); err != nil {
			t.Fatalf("Record(%v) failed: %v", kind, err)
		}
	}

	count, err := log.CountableFailures(ctx, "u1")
	if err != nil {
		t.Fatalf("CountableFailures failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("got %d countable failures, want 3", count)
	}
}

func TestEventLogWindowPrunes(t *testing.T) {
	log, clock := newTestEventLog(t, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := log.Record(ctx, EventFailedCredential, "u1", ""); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	clock.Advance(23 * time.Hour)
	if err := log.Record(ctx, EventFailedCredential, "u1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	// The first three are now outside the window; only the late one counts.
	count, err := log.CountableFailures(ctx, "u1")
	if err != nil {
		t.Fatalf("CountableFailures failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d countable failures, want 1", count)
	}

	events, err := log.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestEventLogCheckpointExcludesButKeeps(t *testing.T) {
	log, clock := newTestEventLog(t, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := log.Record(ctx, EventFailedPin, "u1", ""); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := log.Checkpoint(ctx, "u1"); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	count, err := log.CountableFailures(ctx, "u1")
	if err != nil {
		t.Fatalf("CountableFailures failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("got %d after checkpoint, want 0", count)
	}

	// Checkpointed events are still on the audit record.
	events, err := log.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	// Failures after the checkpoint count again.
	clock.Advance(time.Minute)
	if err := log.Record(ctx, EventFailedPin, "u1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	count, err = log.CountableFailures(ctx, "u1")
	if err != nil {
		t.Fatalf("CountableFailures failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d after new failure, want 1", count)
	}
}

func TestEventLogRecentNewestFirst(t *testing.T) {
	log, clock := newTestEventLog(t, 24*time.Hour)
	ctx := context.Background()

	if err := log.Record(ctx, EventFailedCredential, "u1", "10.0.0.1"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	clock.Advance(time.Minute)
	if err := log.Record(ctx, EventSuccessfulLogin, "u1", "10.0.0.2"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	events, err := log.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != EventSuccessfulLogin || events[1].Kind != EventFailedCredential {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].IP != "10.0.0.2" {
		t.Fatalf("ip not preserved: %q", events[0].IP)
	}
}

func TestEventLogIsolatesUsers(t *testing.T) {
	log, _ := newTestEventLog(t, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := log.Record(ctx, EventFailedCredential, "u1", ""); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	count, err := log.CountableFailures(ctx, "u2")
	if err != nil {
		t.Fatalf("CountableFailures failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("got %d for untouched user, want 0", count)
	}
}
