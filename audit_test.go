package authgate

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAuditDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink)
	if d == nil {
		t.Fatal("dispatcher not created")
	}
	defer d.Close()

	d.Emit(context.Background(), AuditEvent{EventType: "login_completed", UserID: "u1", Success: true})

	select {
	case ev := <-sink.Events():
		if ev.EventType != "login_completed" || ev.UserID != "u1" || !ev.Success {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestAuditDispatcherCloseDrains(t *testing.T) {
	sink := NewChannelSink(64)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 64, DropIfFull: false}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "pin_issued"})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
			if received == 10 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d events after close, want 10", received)
		}
	}
}

func TestAuditDispatcherDisabled(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("disabled config should yield a nil dispatcher")
	}
	// Nil dispatchers absorb calls.
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestJSONWriterSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		EventType: "refresh_mismatch",
		UserID:    "u1",
		Error:     "refresh token mismatch",
	})

	var decoded AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("output is not one JSON object per line: %v", err)
	}
	if decoded.EventType != "refresh_mismatch" || decoded.UserID != "u1" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestEngineEmitsAuditEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	cfg.Audit.Enabled = true

	sink := NewChannelSink(64)
	store := newMemoryUserStore()
	notifier := newRecordingNotifier()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(store).
		WithNotifier(notifier).
		WithAuditSink(sink).
		WithClock(newFakeClock()).
		Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}

	ctx := context.Background()
	store.put(UserRecord{UserID: "u1", Email: "alice@example.com", PasswordHash: "$x$", Active: true})

	if _, err := engine.ValidateCredentials(ctx, "alice@example.com", "not-the-password"); err == nil {
		t.Fatal("expected a credential failure")
	}
	// Close flushes the queue before the worker stops.
	engine.Close()

	sawFailure := false
	for done := false; !done; {
		select {
		case ev := <-sink.Events():
			if ev.EventType == "credential_failure" && !ev.Success {
				sawFailure = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawFailure {
		t.Fatal("no credential_failure audit event observed")
	}
}

func TestAuditRecordsLocationOutcome(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	cfg.Audit.Enabled = true

	sink := NewChannelSink(64)
	store := newMemoryUserStore()
	notifier := newRecordingNotifier()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(store).
		WithNotifier(notifier).
		WithAuditSink(sink).
		WithClock(newFakeClock()).
		Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}

	ctx := context.Background()
	hash, err := engine.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	store.put(UserRecord{
		UserID:       "u1",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Active:       true,
		Region:       "DE",
	})

	ref, err := engine.ValidateCredentials(ctx, "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("ValidateCredentials failed: %v", err)
	}
	if err := engine.ValidatePin(ctx, ref, notifier.lastPin("u1")); err != nil {
		t.Fatalf("ValidatePin failed: %v", err)
	}
	if _, err := engine.ValidateLocation(ctx, ref, LocationClaim{Region: "DE"}); err != nil {
		t.Fatalf("ValidateLocation failed: %v", err)
	}
	engine.Close()

	sawPass := false
	for done := false; !done; {
		select {
		case ev := <-sink.Events():
			if ev.EventType == "location_pass" && ev.Success && ev.UserID == "u1" {
				sawPass = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawPass {
		t.Fatal("no location_pass audit event observed")
	}
}
