package authgate

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const codeRecordVersion1 = 1

var (
	errCodeNotFound = errors.New("code not found")
	errCodeBackend  = errors.New("code store backend unavailable")
)

// codeOutcome is the audit-grade result of a consume attempt. The
// caller-facing error may be uniform, but expiry, wrong code, consumed
// replay, and exhausted attempts stay distinct here.
type codeOutcome uint8

const (
	codeOK codeOutcome = iota
	codeWrong
	codeExpired
	codeConsumed
	codeExhausted
	codeMissing
)

func (o codeOutcome) String() string {
	switch o {
	case codeOK:
		return "ok"
	case codeWrong:
		return "wrong_code"
	case codeExpired:
		return "expired"
	case codeConsumed:
		return "already_consumed"
	case codeExhausted:
		return "attempts_exhausted"
	default:
		return "missing"
	}
}

// codeRecord is a one-time numeric code bound to a user: a PIN in the
// legacy login flow or an unlock code in account recovery.
type codeRecord struct {
	Code      string
	CreatedAt int64
	ExpiresAt int64
	Attempts  uint16
	Consumed  bool
}

// codeStore keeps at most one code record per user under a fixed key
// kind. Issue overwrites, which is what guarantees the one-active-code
// invariant. Attempt accounting runs inside a Redis WATCH transaction so
// concurrent attempts cannot both observe the same remaining budget.
type codeStore struct {
	redis       *redis.Client
	prefix      string
	kind        string
	maxAttempts int
	clock       Clock
}

func newCodeStore(redisClient *redis.Client, prefix, kind string, maxAttempts int, clock Clock) *codeStore {
	return &codeStore{
		redis:       redisClient,
		prefix:      prefix,
		kind:        kind,
		maxAttempts: maxAttempts,
		clock:       clock,
	}
}

func (s *codeStore) key(userID string) string {
	return s.prefix + ":" + s.kind + ":" + userID
}

// Issue replaces any existing record for the user with a fresh one.
func (s *codeStore) Issue(ctx context.Context, userID, code string, ttl time.Duration) error {
	now := s.clock.Now()
	record := &codeRecord{
		Code:      code,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	encoded, err := encodeCodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errCodeBackend, err)
	}
	return nil
}

// Invalidate drops the user's record, if any.
func (s *codeStore) Invalidate(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errCodeBackend, err)
	}
	return nil
}

// Consume is the single mutating entry point for code validation. It
// returns the outcome plus the attempts remaining after this call.
// Exhausted records are kept (not deleted) until natural expiry so that a
// later attempt with the originally correct code still fails.
func (s *codeStore) Consume(ctx context.Context, userID, presented string) (codeOutcome, int, error) {
	const maxRetries = 4
	key := s.key(userID)

	for i := 0; i < maxRetries; i++ {
		var (
			outcome   codeOutcome
			remaining int
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeCodeRecord(data)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			if now.Unix() >= record.ExpiresAt {
				outcome = codeExpired
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}
			if record.Consumed {
				outcome = codeConsumed
				return nil
			}
			if int(record.Attempts) >= s.maxAttempts {
				outcome = codeExhausted
				return nil
			}

			match := subtle.ConstantTimeCompare([]byte(record.Code), []byte(presented)) == 1
			if match {
				outcome = codeOK
				record.Consumed = true
				remaining = s.maxAttempts - int(record.Attempts)
			} else {
				record.Attempts++
				remaining = s.maxAttempts - int(record.Attempts)
				if remaining <= 0 {
					outcome = codeExhausted
				} else {
					outcome = codeWrong
				}
			}

			ttl := time.Duration(record.ExpiresAt-now.Unix()) * time.Second
			updated, err := encodeCodeRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return codeMissing, 0, errCodeNotFound
			}
			return codeMissing, 0, fmt.Errorf("%w: %v", errCodeBackend, err)
		}
		return outcome, remaining, nil
	}

	return codeMissing, 0, errCodeNotFound
}

func encodeCodeRecord(record *codeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codeRecordVersion1)

	var flags uint8
	if record.Consumed {
		flags |= 1
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.Code) > 255 {
		return nil, errors.New("code length exceeded")
	}
	buf.WriteByte(uint8(len(record.Code)))
	buf.WriteString(record.Code)

	return buf.Bytes(), nil
}

func decodeCodeRecord(data []byte) (*codeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != codeRecordVersion1 {
		return nil, errors.New("invalid code record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &codeRecord{Consumed: flags&1 != 0}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	codeLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	code := make([]byte, codeLen)
	if _, err := io.ReadFull(reader, code); err != nil {
		return nil, err
	}
	record.Code = string(code)

	return record, nil
}
