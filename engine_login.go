package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/halcyonsec/authgate/internal"
)

// ValidateCredentials is the first legacy login step. On success it
// opens a pending session, issues a one-time PIN (displacing any prior
// PIN for the user), and dispatches it through the notifier. The
// returned session ref is the handle for the remaining steps.
//
// Unknown email, wrong password, and inactive account are deliberately
// indistinguishable; lockout is checked before the password is compared.
func (e *Engine) ValidateCredentials(ctx context.Context, email, pass string) (string, error) {
	if e == nil || e.passwordHash == nil || e.users == nil {
		return "", ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		// No subject to charge the failure to; the uniform error is the
		// whole defense here.
		e.metricInc(MetricCredentialFailure)
		e.emitAudit(ctx, auditEventCredentialFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "unknown_email"}
		})
		return "", ErrInvalidCredentials
	}

	if err := e.ensureNotLocked(ctx, &user, ip); err != nil {
		e.metricInc(MetricCredentialFailure)
		e.emitAudit(ctx, auditEventCredentialFailure, false, user.UserID, "", err, nil)
		return "", err
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		e.recordFailure(ctx, user, EventFailedCredential, ip)
		e.metricInc(MetricCredentialFailure)
		e.emitAudit(ctx, auditEventCredentialFailure, false, user.UserID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "password_mismatch"}
		})
		return "", ErrInvalidCredentials
	}

	if !user.Active {
		e.metricInc(MetricCredentialFailure)
		e.emitAudit(ctx, auditEventCredentialFailure, false, user.UserID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "inactive_account"}
		})
		return "", ErrInvalidCredentials
	}

	ref, err := internal.NewSessionRef()
	if err != nil {
		return "", err
	}
	if err := e.sessions.Open(ctx, ref, user.UserID, e.config.Session.TTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.issuePin(ctx, user.UserID, ref); err != nil {
		return "", err
	}

	e.metricInc(MetricCredentialSuccess)
	e.emitAudit(ctx, auditEventCredentialSuccess, true, user.UserID, ref, nil, nil)
	return ref, nil
}

// ValidatePin is the second legacy login step. A wrong, expired, or
// replayed code spends one attempt; spending the last attempt kills the
// pending session and permanently retires the PIN record, so the
// originally correct code fails afterwards too.
func (e *Engine) ValidatePin(ctx context.Context, sessionRef, code string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	// A session that already passed the PIN step is still admitted here:
	// presenting the consumed PIN again must fail as an invalid PIN, not
	// leak that the session moved on.
	sess, err := e.sessions.Get(ctx, sessionRef)
	if err != nil {
		if errors.Is(err, errSessionNotFound) {
			return ErrSessionExpired
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sess.Step != stepCredentialsVerified && sess.Step != stepPinVerified {
		return ErrSessionExpired
	}

	user, err := e.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return ErrSessionExpired
	}
	if err := e.ensureNotLocked(ctx, &user, ip); err != nil {
		e.sessions.Fail(ctx, sessionRef)
		return err
	}

	outcome, remaining, err := e.pins.Consume(ctx, sess.UserID, code)
	if err != nil {
		if errors.Is(err, errCodeNotFound) {
			// The PIN aged out from under the session.
			e.recordFailure(ctx, user, EventFailedPin, ip)
			e.metricInc(MetricPinFailure)
			e.emitAudit(ctx, auditEventPinFailure, false, user.UserID, sessionRef, ErrInvalidPin, func() map[string]string {
				return map[string]string{"outcome": codeMissing.String()}
			})
			return ErrInvalidPin
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch outcome {
	case codeOK:
		if err := e.advanceSession(ctx, sessionRef, stepCredentialsVerified, stepPinVerified); err != nil {
			return err
		}
		e.metricInc(MetricPinSuccess)
		e.emitAudit(ctx, auditEventPinSuccess, true, user.UserID, sessionRef, nil, nil)
		return nil

	case codeExhausted:
		e.recordFailure(ctx, user, EventFailedPin, ip)
		e.sessions.Fail(ctx, sessionRef)
		e.metricInc(MetricPinFailure)
		e.emitAudit(ctx, auditEventPinFailure, false, user.UserID, sessionRef, ErrPinAttemptsExhausted, func() map[string]string {
			return map[string]string{"outcome": outcome.String()}
		})
		return ErrPinAttemptsExhausted

	default:
		e.recordFailure(ctx, user, EventFailedPin, ip)
		e.metricInc(MetricPinFailure)
		e.emitAudit(ctx, auditEventPinFailure, false, user.UserID, sessionRef, ErrInvalidPin, func() map[string]string {
			return map[string]string{
				"outcome":   outcome.String(),
				"remaining": fmt.Sprintf("%d", remaining),
			}
		})
		return ErrInvalidPin
	}
}

// ValidateLocation is the final legacy login step. The plausibility
// check is soft: a mismatch is recorded as a security event and the
// login still completes, unless that event tips the account over the
// lockout threshold. On success the pending session is discarded and a
// token pair is minted.
func (e *Engine) ValidateLocation(ctx context.Context, sessionRef string, claim LocationClaim) (*TokenPair, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	sess, err := e.getSessionAt(ctx, sessionRef, stepPinVerified)
	if err != nil {
		return nil, err
	}

	user, err := e.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, ErrSessionExpired
	}
	if err := e.ensureNotLocked(ctx, &user, ip); err != nil {
		e.sessions.Fail(ctx, sessionRef)
		return nil, err
	}

	plausible := locationPlausible(user, claim, e.config.Geo.ToleranceKM)
	if !plausible {
		locked := e.recordFailure(ctx, user, EventFailedLocation, ip)
		e.metricInc(MetricLocationFlagged)
		e.emitAudit(ctx, auditEventLocationFlagged, false, user.UserID, sessionRef, nil, func() map[string]string {
			return map[string]string{"region": claim.Region}
		})
		if locked {
			e.sessions.Fail(ctx, sessionRef)
			return nil, ErrAccountLocked
		}
	} else {
		e.metricInc(MetricLocationPass)
		e.emitAudit(ctx, auditEventLocationPass, true, user.UserID, sessionRef, nil, nil)
	}

	if err := e.sessions.Delete(ctx, sessionRef, user.UserID); err != nil {
		log.Print("authgate: pending session cleanup failed")
	}

	// Only a plausible claim becomes the new last-known location; an
	// implausible one must not seed the next login's check.
	var lastLocation *LocationClaim
	if plausible {
		lastLocation = &claim
	}
	now := e.clock.Now()
	if err := e.users.UpdateLastLogin(ctx, user.UserID, now, lastLocation); err != nil {
		log.Print("authgate: last login update failed")
	}

	e.refreshLocks.Lock(user.UserID)
	pair, err := e.issueTokenPair(ctx, user)
	e.refreshLocks.Unlock(user.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginCompleted, false, user.UserID, sessionRef, err, nil)
		return nil, err
	}

	if err := e.events.Record(ctx, EventSuccessfulLogin, user.UserID, ip); err != nil {
		log.Print("authgate: successful login event not recorded")
	}

	e.metricInc(MetricLoginCompleted)
	e.emitAudit(ctx, auditEventLoginCompleted, true, user.UserID, sessionRef, nil, nil)
	return pair, nil
}

// ResendPin reissues the PIN for a pending session still waiting on its
// second step. The prior PIN stops working immediately.
func (e *Engine) ResendPin(ctx context.Context, sessionRef string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	sess, err := e.getSessionAt(ctx, sessionRef, stepCredentialsVerified)
	if err != nil {
		return err
	}

	user, err := e.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return ErrSessionExpired
	}
	if err := e.ensureNotLocked(ctx, &user, ip); err != nil {
		e.sessions.Fail(ctx, sessionRef)
		return err
	}

	return e.issuePin(ctx, user.UserID, sessionRef)
}

// issuePin creates and stores a fresh PIN for the user, then dispatches
// it. Delivery failure is logged and never fails the flow.
func (e *Engine) issuePin(ctx context.Context, userID, sessionRef string) error {
	pin, err := internal.NewNumericCode(e.config.Pin.Digits)
	if err != nil {
		return err
	}
	if err := e.pins.Issue(ctx, userID, pin, e.config.Pin.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.notifier.SendPin(ctx, userID, pin); err != nil {
		log.Print("authgate: pin delivery failed")
	}

	e.emitAudit(ctx, auditEventPinIssued, true, userID, sessionRef, nil, nil)
	return nil
}

// getSessionAt loads the pending session and requires it to be at the
// given step. Every deviation collapses to ErrSessionExpired: a missing,
// timed-out, failed, or out-of-order session must all look the same.
func (e *Engine) getSessionAt(ctx context.Context, ref string, want loginStep) (*loginSession, error) {
	sess, err := e.sessions.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, errSessionNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sess.Step != want {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (e *Engine) advanceSession(ctx context.Context, ref string, from, to loginStep) error {
	err := e.sessions.Advance(ctx, ref, from, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, errSessionBadState),
		errors.Is(err, errSessionTerminal):
		return ErrSessionExpired
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// ensureNotLocked is the start-of-step lockout gate. It runs before any
// password or code comparison so a locked account reveals nothing about
// credential validity. It also re-evaluates the windowed failure count,
// catching accounts whose flag update was missed.
func (e *Engine) ensureNotLocked(ctx context.Context, user *UserRecord, ip string) error {
	if user.Locked {
		return ErrAccountLocked
	}

	count, err := e.events.CountableFailures(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count >= e.config.Lockout.FailureThreshold {
		e.triggerLockout(ctx, *user, ip)
		user.Locked = true
		return ErrAccountLocked
	}
	return nil
}

// recordFailure appends a countable security event and trips the lockout
// policy if the subject's windowed failure count has reached the
// threshold. It reports whether lockout was triggered by this call.
func (e *Engine) recordFailure(ctx context.Context, user UserRecord, kind EventKind, ip string) bool {
	if err := e.events.Record(ctx, kind, user.UserID, ip); err != nil {
		log.Print("authgate: security event not recorded")
		return false
	}
	if user.Locked {
		return false
	}

	count, err := e.events.CountableFailures(ctx, user.UserID)
	if err != nil {
		log.Print("authgate: lockout evaluation failed")
		return false
	}
	if count < e.config.Lockout.FailureThreshold {
		return false
	}

	e.triggerLockout(ctx, user, ip)
	return true
}

// triggerLockout sets the locked flag, records the triggering event, and
// starts the recovery path by issuing an unlock code.
func (e *Engine) triggerLockout(ctx context.Context, user UserRecord, ip string) {
	if err := e.users.SetLocked(ctx, user.UserID, true); err != nil {
		log.Print("authgate: lockout flag update failed")
		return
	}
	if err := e.events.Record(ctx, EventLockoutTriggered, user.UserID, ip); err != nil {
		log.Print("authgate: lockout event not recorded")
	}

	e.metricInc(MetricLockoutTriggered)
	e.emitAudit(ctx, auditEventLockoutTriggered, false, user.UserID, "", ErrAccountLocked, nil)

	e.issueUnlockCode(ctx, user.UserID)
}
