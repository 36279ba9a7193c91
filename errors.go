package authgate

import "errors"

var (
	// ErrInvalidCredentials is returned when the email is unknown or the
	// password does not match. The two cases are deliberately
	// indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned when lockout policy is active for the
	// subject. It is surfaced before password comparison so that it never
	// reveals whether the credentials were otherwise correct.
	ErrAccountLocked = errors.New("account locked")
	// ErrSessionExpired is returned when a pending login session is
	// missing, expired, or not in the state the step requires. A session
	// that timed out is indistinguishable from one that never existed.
	ErrSessionExpired = errors.New("login session expired")
	// ErrInvalidPin is returned for a wrong, expired, or already-consumed
	// PIN while attempts remain.
	ErrInvalidPin = errors.New("invalid pin")
	// ErrPinAttemptsExhausted is returned once the PIN attempt budget is
	// spent; the PIN record is permanently dead afterwards.
	ErrPinAttemptsExhausted = errors.New("pin attempts exhausted")
	// ErrTokenExpired is returned by access token verification when the
	// token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned by access token verification on any
	// signature or claims mismatch.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrRefreshTokenMismatch is returned when a presented refresh token
	// does not equal the stored one. The stored token is invalidated as a
	// side effect, forcing a full re-login.
	ErrRefreshTokenMismatch = errors.New("refresh token mismatch")
	// ErrDelegatedTokenInvalid is returned when an externally issued token
	// fails verification against the provider's key material, issuer, or
	// audience.
	ErrDelegatedTokenInvalid = errors.New("delegated token invalid")
	// ErrInvalidUnlockCode is returned for a wrong, expired, or consumed
	// unlock code while attempts remain.
	ErrInvalidUnlockCode = errors.New("invalid unlock code")
	// ErrUnlockAttemptsExhausted is returned once the unlock code attempt
	// budget is spent.
	ErrUnlockAttemptsExhausted = errors.New("unlock attempts exhausted")
	// ErrAccountNotLocked is returned by RequestUnlock for an account that
	// is not in the locked state.
	ErrAccountNotLocked = errors.New("account not locked")
	// ErrUserNotFound is returned when a user id has no record in the
	// credential store.
	ErrUserNotFound = errors.New("user not found")
	// ErrEngineNotReady is returned when the engine is used before Build
	// wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrStoreUnavailable wraps credential store or Redis failures.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// genericLoginMessage is the only message shown to end users for
// credential, PIN, and location failures, regardless of which sub-check
// failed.
const genericLoginMessage = "invalid credentials"

// PublicMessage collapses the internal error taxonomy to the user-facing
// message. Credential, PIN, and location failures all map to the same
// string so that responses never reveal which factor was wrong; every
// other error keeps its own message.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidPin),
		errors.Is(err, ErrPinAttemptsExhausted),
		errors.Is(err, ErrSessionExpired):
		return genericLoginMessage
	default:
		return err.Error()
	}
}
