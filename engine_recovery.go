package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/halcyonsec/authgate/internal"
)

// RequestUnlock reissues an unlock code for a locked account. The code
// issued when the lockout tripped is displaced; only the newest code is
// valid. Accounts that are not locked are rejected.
func (e *Engine) RequestUnlock(ctx context.Context, userID string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}
	if !user.Locked {
		return ErrAccountNotLocked
	}

	e.issueUnlockCode(ctx, userID)
	return nil
}

// Unlock validates an unlock code against a locked account. Success
// clears the locked flag and checkpoints the event log, so the failures
// that caused the lockout no longer count; they remain readable for
// audit.
func (e *Engine) Unlock(ctx context.Context, userID, code string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}
	if !user.Locked {
		return ErrAccountNotLocked
	}

	outcome, _, err := e.unlockCodes.Consume(ctx, userID, code)
	if err != nil {
		if errors.Is(err, errCodeNotFound) {
			e.recordUnlockFailure(ctx, userID, ip, codeMissing)
			return ErrInvalidUnlockCode
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch outcome {
	case codeOK:
		if err := e.users.SetLocked(ctx, userID, false); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if err := e.events.Checkpoint(ctx, userID); err != nil {
			log.Print("authgate: unlock checkpoint failed")
		}
		if err := e.unlockCodes.Invalidate(ctx, userID); err != nil {
			log.Print("authgate: unlock code cleanup failed")
		}
		if err := e.events.Record(ctx, EventUnlockSucceeded, userID, ip); err != nil {
			log.Print("authgate: unlock event not recorded")
		}
		e.metricInc(MetricUnlockSuccess)
		e.emitAudit(ctx, auditEventUnlockSuccess, true, userID, "", nil, nil)
		return nil

	case codeExhausted:
		e.recordUnlockFailure(ctx, userID, ip, outcome)
		return ErrUnlockAttemptsExhausted

	default:
		e.recordUnlockFailure(ctx, userID, ip, outcome)
		return ErrInvalidUnlockCode
	}
}

// issueUnlockCode creates, stores, and dispatches a fresh unlock code.
// Best effort: recovery must not wedge on a notifier outage.
func (e *Engine) issueUnlockCode(ctx context.Context, userID string) {
	code, err := internal.NewNumericCode(e.config.Unlock.Digits)
	if err != nil {
		log.Print("authgate: unlock code generation failed")
		return
	}
	if err := e.unlockCodes.Issue(ctx, userID, code, e.config.Unlock.TTL); err != nil {
		log.Print("authgate: unlock code store failed")
		return
	}

	if err := e.notifier.SendUnlockCode(ctx, userID, code); err != nil {
		log.Print("authgate: unlock code delivery failed")
	}

	e.emitAudit(ctx, auditEventUnlockRequested, true, userID, "", nil, nil)
}

// recordUnlockFailure logs the failed attempt. Unlock failures never
// count toward lockout; the account is already locked.
func (e *Engine) recordUnlockFailure(ctx context.Context, userID, ip string, outcome codeOutcome) {
	if err := e.events.Record(ctx, EventUnlockFailed, userID, ip); err != nil {
		log.Print("authgate: unlock failure event not recorded")
	}
	e.metricInc(MetricUnlockFailure)
	e.emitAudit(ctx, auditEventUnlockFailure, false, userID, "", ErrInvalidUnlockCode, func() map[string]string {
		return map[string]string{"outcome": outcome.String()}
	})
}
