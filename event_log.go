package authgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEventBackend = errors.New("event log backend unavailable")

// securityEventLog is an append-only, time-windowed record of
// authentication events, kept per subject on a Redis sorted set scored by
// event time (milliseconds). Events older than the retention window are
// pruned lazily on read; no event outside the window ever reaches a
// policy decision.
//
// Unlocking an account writes a checkpoint timestamp. Events before the
// checkpoint remain readable for audit but are excluded from lockout
// counting until failures re-accumulate.
type securityEventLog struct {
	redis  *redis.Client
	prefix string
	window time.Duration
	clock  Clock

	// seq disambiguates members recorded within the same instant, which
	// matters under a fake clock in tests.
	seq atomic.Uint64
}

func newSecurityEventLog(redisClient *redis.Client, prefix string, window time.Duration, clock Clock) *securityEventLog {
	return &securityEventLog{
		redis:  redisClient,
		prefix: prefix,
		window: window,
		clock:  clock,
	}
}

func (l *securityEventLog) key(userID string) string {
	return l.prefix + ":sev:" + userID
}

func (l *securityEventLog) checkpointKey(userID string) string {
	return l.prefix + ":sevcp:" + userID
}

// Record appends an event for the subject and refreshes the retention TTL.
func (l *securityEventLog) Record(ctx context.Context, kind EventKind, userID, ip string) error {
	now := l.clock.Now()
	member := fmt.Sprintf("%d|%d|%d|%s", kind, now.UnixNano(), l.seq.Add(1), ip)

	pipe := l.redis.TxPipeline()
	pipe.ZAdd(ctx, l.key(userID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	pipe.Expire(ctx, l.key(userID), l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errEventBackend, err)
	}
	return nil
}

// CountableFailures returns how many lockout-relevant failures the
// subject has accumulated inside the trailing window, after the last
// unlock checkpoint. The set is pruned before counting.
func (l *securityEventLog) CountableFailures(ctx context.Context, userID string) (int, error) {
	now := l.clock.Now()
	windowStart := now.Add(-l.window).UnixMilli()

	if err := l.prune(ctx, userID, windowStart); err != nil {
		return 0, err
	}

	from := windowStart
	if cp, ok, err := l.checkpoint(ctx, userID); err != nil {
		return 0, err
	} else if ok && cp > from {
		from = cp
	}

	// Exclusive lower bound: events scored at the checkpoint millisecond
	// itself count as forgiven.
	members, err := l.redis.ZRangeByScore(ctx, l.key(userID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errEventBackend, err)
	}

	count := 0
	for _, member := range members {
		if kind, ok := parseEventKind(member); ok && kind.countsTowardLockout() {
			count++
		}
	}
	return count, nil
}

// Checkpoint excludes all events recorded up to now from future lockout
// counting. The boundary is inclusive: an event scored at the exact
// checkpoint millisecond, such as a failure landing in the same instant
// as an unlock, is forgiven rather than counted. The events themselves
// are kept for audit.
func (l *securityEventLog) Checkpoint(ctx context.Context, userID string) error {
	now := l.clock.Now().UnixMilli()
	if err := l.redis.Set(ctx, l.checkpointKey(userID), strconv.FormatInt(now, 10), l.window).Err(); err != nil {
		return fmt.Errorf("%w: %v", errEventBackend, err)
	}
	return nil
}

// Recent returns up to limit events for the subject, newest first, still
// inside the retention window.
func (l *securityEventLog) Recent(ctx context.Context, userID string, limit int) ([]SecurityEvent, error) {
	now := l.clock.Now()
	windowStart := now.Add(-l.window).UnixMilli()

	if err := l.prune(ctx, userID, windowStart); err != nil {
		return nil, err
	}

	members, err := l.redis.ZRevRangeByScore(ctx, l.key(userID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(windowStart, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errEventBackend, err)
	}

	events := make([]SecurityEvent, 0, len(members))
	for _, member := range members {
		if ev, ok := parseEvent(member, userID); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (l *securityEventLog) prune(ctx context.Context, userID string, windowStart int64) error {
	err := l.redis.ZRemRangeByScore(
		ctx,
		l.key(userID),
		"-inf",
		"("+strconv.FormatInt(windowStart, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", errEventBackend, err)
	}
	return nil
}

func (l *securityEventLog) checkpoint(ctx context.Context, userID string) (int64, bool, error) {
	val, err := l.redis.Get(ctx, l.checkpointKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", errEventBackend, err)
	}
	cp, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return cp, true, nil
}

func parseEventKind(member string) (EventKind, bool) {
	idx := strings.IndexByte(member, '|')
	if idx <= 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(member[:idx], 10, 8)
	if err != nil || v >= uint64(eventKindCount) {
		return 0, false
	}
	return EventKind(v), true
}

func parseEvent(member, userID string) (SecurityEvent, bool) {
	parts := strings.SplitN(member, "|", 4)
	if len(parts) != 4 {
		return SecurityEvent{}, false
	}
	kind, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || kind >= uint64(eventKindCount) {
		return SecurityEvent{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return SecurityEvent{}, false
	}
	return SecurityEvent{
		Kind:   EventKind(kind),
		UserID: userID,
		IP:     parts[3],
		At:     time.Unix(0, nanos),
	}, true
}
