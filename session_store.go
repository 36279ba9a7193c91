package authgate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginSessionVersion1 = 1

var (
	errSessionNotFound = errors.New("login session not found")
	errSessionBadState = errors.New("login session in wrong state")
	errSessionBackend  = errors.New("login session backend unavailable")
	errSessionTerminal = errors.New("login session already terminal")
)

// loginStep is the enumerated progress of a pending login session. A
// session can only advance one step at a time, in order.
type loginStep uint8

const (
	stepCredentialsVerified loginStep = iota + 1
	stepPinVerified
	stepFailed
)

// loginSession is the ephemeral record threading state between the three
// legacy login steps. It is never written to durable storage and carries
// no identity beyond its lifetime.
type loginSession struct {
	UserID    string
	Step      loginStep
	CreatedAt int64
	ExpiresAt int64
}

// loginSessionStore keeps pending sessions under their opaque ref plus a
// per-user index key, so that opening a new session atomically displaces
// the user's previous one.
type loginSessionStore struct {
	redis  *redis.Client
	prefix string
	clock  Clock
}

func newLoginSessionStore(redisClient *redis.Client, prefix string, clock Clock) *loginSessionStore {
	return &loginSessionStore{redis: redisClient, prefix: prefix, clock: clock}
}

func (s *loginSessionStore) key(ref string) string {
	return s.prefix + ":ls:" + ref
}

func (s *loginSessionStore) userKey(userID string) string {
	return s.prefix + ":lsu:" + userID
}

// Open creates a session in stepCredentialsVerified and discards any
// session the user already had pending.
func (s *loginSessionStore) Open(ctx context.Context, ref, userID string, ttl time.Duration) error {
	now := s.clock.Now()
	sess := &loginSession{
		UserID:    userID,
		Step:      stepCredentialsVerified,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	encoded, err := encodeLoginSession(sess)
	if err != nil {
		return err
	}

	prior, err := s.redis.GetSet(ctx, s.userKey(userID), ref).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", errSessionBackend, err)
	}

	pipe := s.redis.TxPipeline()
	if prior != "" && prior != ref {
		pipe.Del(ctx, s.key(prior))
	}
	pipe.Set(ctx, s.key(ref), encoded, ttl)
	pipe.Expire(ctx, s.userKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errSessionBackend, err)
	}
	return nil
}

// Get returns the session for ref. Expired sessions are deleted and
// reported as not found; a timed-out session must look identical to one
// that never existed.
func (s *loginSessionStore) Get(ctx context.Context, ref string) (*loginSession, error) {
	data, err := s.redis.Get(ctx, s.key(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", errSessionBackend, err)
	}

	sess, err := decodeLoginSession(data)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().Unix() >= sess.ExpiresAt {
		_ = s.Delete(ctx, ref, sess.UserID)
		return nil, errSessionNotFound
	}
	return sess, nil
}

// Advance moves the session from one step to the next inside a WATCH
// transaction, failing if another caller moved it first.
func (s *loginSessionStore) Advance(ctx context.Context, ref string, from, to loginStep) error {
	const maxRetries = 4
	key := s.key(ref)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := decodeLoginSession(data)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if now.Unix() >= sess.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errSessionNotFound
			}
			if sess.Step == stepFailed {
				return errSessionTerminal
			}
			if sess.Step != from {
				return errSessionBadState
			}

			sess.Step = to
			updated, err := encodeLoginSession(sess)
			if err != nil {
				return err
			}
			ttl := time.Duration(sess.ExpiresAt-now.Unix()) * time.Second
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, redis.Nil) {
			return errSessionNotFound
		}
		return err
	}
	return errSessionNotFound
}

// Fail moves the session into its absorbing failed state. Best effort:
// a missing session is already as failed as it can get.
func (s *loginSessionStore) Fail(ctx context.Context, ref string) {
	data, err := s.redis.Get(ctx, s.key(ref)).Bytes()
	if err != nil {
		return
	}
	sess, err := decodeLoginSession(data)
	if err != nil {
		return
	}
	sess.Step = stepFailed
	now := s.clock.Now()
	ttl := time.Duration(sess.ExpiresAt-now.Unix()) * time.Second
	if ttl <= 0 {
		_ = s.Delete(ctx, ref, sess.UserID)
		return
	}
	if encoded, err := encodeLoginSession(sess); err == nil {
		_ = s.redis.Set(ctx, s.key(ref), encoded, ttl).Err()
	}
}

// Delete removes the session and its user index entry.
func (s *loginSessionStore) Delete(ctx context.Context, ref, userID string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.key(ref))
	if userID != "" {
		pipe.Del(ctx, s.userKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errSessionBackend, err)
	}
	return nil
}

func encodeLoginSession(sess *loginSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(loginSessionVersion1)
	buf.WriteByte(byte(sess.Step))

	if err := binary.Write(&buf, binary.BigEndian, sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, sess.ExpiresAt); err != nil {
		return nil, err
	}

	if len(sess.UserID) > 65535 {
		return nil, errors.New("login session user id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(sess.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(sess.UserID)

	return buf.Bytes(), nil
}

func decodeLoginSession(data []byte) (*loginSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != loginSessionVersion1 {
		return nil, errors.New("invalid login session version")
	}

	step, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	sess := &loginSession{Step: loginStep(step)}
	if err := binary.Read(reader, binary.BigEndian, &sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &sess.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	sess.UserID = string(user)

	return sess, nil
}
