package authgate

import (
	"context"
	"time"
)

// UserRecord is the account record exchanged with the [UserStore]. The
// engine never persists user records itself; it mutates them only through
// the store's keyed operations.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         string
	Active       bool
	Locked       bool
	LastLoginAt  time.Time

	// Last known location, used by the geolocation plausibility check.
	// Empty region plus HasCoordinates == false means no prior region on
	// record, which passes the check unconditionally.
	Region         string
	Latitude       float64
	Longitude      float64
	HasCoordinates bool

	// Delegated identity linkage, populated by the OIDC flow.
	DelegatedSubject string

	// Currently active refresh token (SHA-256 hash, base64url) and its
	// expiry. At most one refresh token is active per user; rotation
	// overwrites, logout clears.
	RefreshTokenHash string
	RefreshExpiresAt time.Time
}

// DelegatedProfile is the subset of externally asserted claims synced into
// the credential store by the delegated flow.
type DelegatedProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// UserStore is the credential store boundary. Implementations own user
// persistence; the engine treats it as a keyed lookup/update service and
// performs no queries beyond these operations.
//
// Lookups must return an error for missing records; the engine collapses
// store errors on the credential path into [ErrInvalidCredentials] so
// callers cannot distinguish an unknown email from a bad password.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	FindByID(ctx context.Context, userID string) (UserRecord, error)
	Create(ctx context.Context, record UserRecord) (UserRecord, error)
	// UpdateRefreshToken overwrites the stored refresh token hash and
	// expiry. An empty hash clears the token.
	UpdateRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	SetLocked(ctx context.Context, userID string, locked bool) error
	// UpsertDelegatedProfile creates or updates the user keyed by the
	// delegated subject and returns the resulting record.
	UpsertDelegatedProfile(ctx context.Context, profile DelegatedProfile) (UserRecord, error)
	// UpdateLastLogin records a successful login and, when location is
	// non-nil, the user's last observed location.
	UpdateLastLogin(ctx context.Context, userID string, at time.Time, location *LocationClaim) error
}

// Notifier delivers one-time codes out of band. Calls are fire-and-forget:
// delivery failures are logged and never fail the authentication flow.
type Notifier interface {
	SendPin(ctx context.Context, userID, code string) error
	SendUnlockCode(ctx context.Context, userID, code string) error
}

// Clock is the single time source for all expiry comparisons. Inject a
// fake in tests to avoid wall-clock sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a [Clock] backed by time.Now. It is the default when
// the builder is given no clock.
func SystemClock() Clock { return systemClock{} }

// LocationClaim is the caller-asserted location presented at the third
// login step. Region is a coarse code (for example ISO country); the
// coordinates are optional.
type LocationClaim struct {
	Region         string
	Latitude       float64
	Longitude      float64
	HasCoordinates bool
}

// TokenPair is minted when a login reaches its terminal state and on every
// refresh rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessIdentity is the verified content of an access token.
type AccessIdentity struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// DelegatedResult is returned by the delegated (OIDC) flow: the verified
// external claims plus the local identity they were synced to. No local
// tokens are minted; the external token remains the bearer credential.
type DelegatedResult struct {
	UserID  string
	Subject string
	Email   string
	Name    string
	Picture string
}

// EventKind classifies entries in the security event log.
type EventKind uint8

const (
	// EventFailedCredential records a failed email/password check.
	EventFailedCredential EventKind = iota
	// EventFailedPin records a failed PIN attempt.
	EventFailedPin
	// EventFailedLocation records a geolocation plausibility mismatch.
	// It is a soft signal: the login proceeds, but the event counts
	// toward lockout.
	EventFailedLocation
	// EventSuccessfulLogin records a login that reached its terminal state.
	EventSuccessfulLogin
	// EventLockoutTriggered records the lockout policy tripping.
	EventLockoutTriggered
	// EventRefreshMismatch records a refresh token replay or theft signal.
	EventRefreshMismatch
	// EventUnlockFailed records a failed unlock code attempt.
	EventUnlockFailed
	// EventUnlockSucceeded records a successful account unlock.
	EventUnlockSucceeded

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	"failed_credential",
	"failed_pin",
	"failed_location",
	"successful_login",
	"lockout_triggered",
	"refresh_mismatch",
	"unlock_failed",
	"unlock_succeeded",
}

func (k EventKind) String() string {
	if int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// countsTowardLockout reports whether the event kind accumulates toward
// the lockout threshold.
func (k EventKind) countsTowardLockout() bool {
	switch k {
	case EventFailedCredential, EventFailedPin, EventFailedLocation:
		return true
	default:
		return false
	}
}

// SecurityEvent is a single entry read back from the event log.
type SecurityEvent struct {
	Kind   EventKind
	UserID string
	IP     string
	At     time.Time
}
