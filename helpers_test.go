package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct-horse-battery"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]UserRecord
	byEmail map[string]string
	bySub   map[string]string
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		byID:    make(map[string]UserRecord),
		byEmail: make(map[string]string),
		bySub:   make(map[string]string),
	}
}

func (s *memoryUserStore) put(u UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.UserID] = u
	s.byEmail[u.Email] = u.UserID
	if u.DelegatedSubject != "" {
		s.bySub[u.DelegatedSubject] = u.UserID
	}
}

func (s *memoryUserStore) get(userID string) (UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[userID]
	return u, ok
}

func (s *memoryUserStore) FindByEmail(_ context.Context, email string) (UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return UserRecord{}, fmt.Errorf("user not found")
	}
	return s.byID[id], nil
}

func (s *memoryUserStore) FindByID(_ context.Context, userID string) (UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("user not found")
	}
	return u, nil
}

func (s *memoryUserStore) Create(_ context.Context, record UserRecord) (UserRecord, error) {
	s.put(record)
	return record, nil
}

func (s *memoryUserStore) UpdateRefreshToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("user not found")
	}
	u.RefreshTokenHash = tokenHash
	u.RefreshExpiresAt = expiresAt
	s.byID[userID] = u
	return nil
}

func (s *memoryUserStore) SetLocked(_ context.Context, userID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("user not found")
	}
	u.Locked = locked
	s.byID[userID] = u
	return nil
}

func (s *memoryUserStore) UpsertDelegatedProfile(_ context.Context, profile DelegatedProfile) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySub[profile.Subject]; ok {
		u := s.byID[id]
		u.Email = profile.Email
		s.byID[id] = u
		return u, nil
	}

	u := UserRecord{
		UserID:           "delegated-" + profile.Subject,
		Email:            profile.Email,
		Role:             "user",
		Active:           true,
		DelegatedSubject: profile.Subject,
	}
	s.byID[u.UserID] = u
	s.byEmail[u.Email] = u.UserID
	s.bySub[profile.Subject] = u.UserID
	return u, nil
}

func (s *memoryUserStore) UpdateLastLogin(_ context.Context, userID string, at time.Time, location *LocationClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("user not found")
	}
	u.LastLoginAt = at
	if location != nil {
		u.Region = location.Region
		u.Latitude = location.Latitude
		u.Longitude = location.Longitude
		u.HasCoordinates = location.HasCoordinates
	}
	s.byID[userID] = u
	return nil
}

type recordingNotifier struct {
	mu          sync.Mutex
	pins        map[string][]string
	unlockCodes map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		pins:        make(map[string][]string),
		unlockCodes: make(map[string][]string),
	}
}

func (n *recordingNotifier) SendPin(_ context.Context, userID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pins[userID] = append(n.pins[userID], code)
	return nil
}

func (n *recordingNotifier) SendUnlockCode(_ context.Context, userID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlockCodes[userID] = append(n.unlockCodes[userID], code)
	return nil
}

func (n *recordingNotifier) lastPin(userID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.pins[userID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (n *recordingNotifier) lastUnlockCode(userID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.unlockCodes[userID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (n *recordingNotifier) pinCount(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pins[userID])
}

type testEnv struct {
	engine   *Engine
	store    *memoryUserStore
	notifier *recordingNotifier
	clock    *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-signing-key-0123456789abcdef")
	// Cheap argon2 parameters keep the suite fast.
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		store:    newMemoryUserStore(),
		notifier: newRecordingNotifier(),
		clock:    newFakeClock(),
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(env.store).
		WithNotifier(env.notifier).
		WithClock(env.clock).
		Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	env.engine = engine
	return env
}

func (env *testEnv) seedUser(t *testing.T, id, email string) UserRecord {
	t.Helper()

	hash, err := env.engine.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("seed hash failed: %v", err)
	}

	u := UserRecord{
		UserID:       id,
		Email:        email,
		PasswordHash: hash,
		Role:         "user",
		Active:       true,
		Region:       "DE",
	}
	env.store.put(u)
	return u
}

// wrongCode returns a code of the same length guaranteed to differ from
// the given one.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0] = '9'
	}
	return string(b)
}

// lockUser burns through the failure threshold with wrong passwords
// until the account locks.
func (env *testEnv) lockUser(t *testing.T, ctx context.Context, email, userID string) {
	t.Helper()

	threshold := env.engine.config.Lockout.FailureThreshold
	for i := 0; i < threshold; i++ {
		_, err := env.engine.ValidateCredentials(ctx, email, "not-the-password")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	u, ok := env.store.get(userID)
	if !ok || !u.Locked {
		t.Fatal("account did not lock after threshold failures")
	}
}

// completeLogin walks all three steps with the recorded PIN and the
// user's known region.
func (env *testEnv) completeLogin(t *testing.T, ctx context.Context, email, userID string) *TokenPair {
	t.Helper()

	ref, err := env.engine.ValidateCredentials(ctx, email, testPassword)
	if err != nil {
		t.Fatalf("ValidateCredentials failed: %v", err)
	}

	pin := env.notifier.lastPin(userID)
	if pin == "" {
		t.Fatal("no PIN was delivered")
	}
	if err := env.engine.ValidatePin(ctx, ref, pin); err != nil {
		t.Fatalf("ValidatePin failed: %v", err)
	}

	pair, err := env.engine.ValidateLocation(ctx, ref, LocationClaim{Region: "DE"})
	if err != nil {
		t.Fatalf("ValidateLocation failed: %v", err)
	}
	return pair
}
