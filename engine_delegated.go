package authgate

import (
	"context"
	"fmt"
	"log"
)

// LoginDelegated verifies an externally issued identity token and syncs
// the asserted profile into the credential store. The external token
// remains the caller's bearer credential: this path never mints local
// tokens, so there is nothing here for Refresh or Logout to act on.
func (e *Engine) LoginDelegated(ctx context.Context, externalToken string) (*DelegatedResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if e.delegated == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	claims, err := e.delegated.Verify(externalToken)
	if err != nil {
		e.metricInc(MetricDelegatedFailure)
		e.emitAudit(ctx, auditEventDelegatedFailure, false, "", "", ErrDelegatedTokenInvalid, nil)
		return nil, ErrDelegatedTokenInvalid
	}

	user, err := e.users.UpsertDelegatedProfile(ctx, DelegatedProfile{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	})
	if err != nil {
		e.metricInc(MetricDelegatedFailure)
		e.emitAudit(ctx, auditEventDelegatedFailure, false, "", "", ErrStoreUnavailable, nil)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Lockout still applies; a verified external token does not bypass
	// the local policy.
	if user.Locked {
		e.metricInc(MetricDelegatedFailure)
		e.emitAudit(ctx, auditEventDelegatedFailure, false, user.UserID, "", ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	if err := e.users.UpdateLastLogin(ctx, user.UserID, e.clock.Now(), nil); err != nil {
		log.Print("authgate: last login update failed")
	}
	if err := e.events.Record(ctx, EventSuccessfulLogin, user.UserID, ip); err != nil {
		log.Print("authgate: successful login event not recorded")
	}

	e.metricInc(MetricDelegatedSuccess)
	e.emitAudit(ctx, auditEventDelegatedSuccess, true, user.UserID, "", nil, nil)

	return &DelegatedResult{
		UserID:  user.UserID,
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}
