package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/halcyonsec/authgate/internal"
	"github.com/halcyonsec/authgate/internal/keylock"
	"github.com/halcyonsec/authgate/jwt"
	"github.com/halcyonsec/authgate/password"
)

// Engine is the authentication core. Build one through [Builder]; all
// methods are safe for concurrent use.
type Engine struct {
	config       Config
	sessions     *loginSessionStore
	pins         *codeStore
	unlockCodes  *codeStore
	events       *securityEventLog
	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	delegated    *jwt.Verifier
	users        UserStore
	notifier     Notifier
	clock        Clock
	refreshLocks *keylock.KeyLock
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were discarded because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the current counter values.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// VerifyAccess checks an access token's signature and temporal claims
// and returns the identity it asserts. No store lookup is involved;
// access tokens are self-contained until they expire.
func (e *Engine) VerifyAccess(ctx context.Context, tokenStr string) (*AccessIdentity, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricVerifyLatency, time.Since(start)) }()
	}

	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	return &AccessIdentity{
		UserID:    claims.UID,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Refresh rotates a refresh token: the presented token must match the
// single stored one, and a successful call replaces both tokens in the
// pair. A mismatch is treated as replay or theft: the stored token is
// invalidated outright, a security event is recorded, and the caller
// must complete a full login again.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	userID, err := internal.UserIDFromRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "malformed_token"}
		})
		return nil, ErrTokenInvalid
	}

	// Rotation for one user is serialized so that two concurrent calls
	// with the same token cannot both pass the comparison.
	e.refreshLocks.Lock(userID)
	defer e.refreshLocks.Unlock(userID)

	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "unknown_user"}
		})
		return nil, ErrTokenInvalid
	}

	now := e.clock.Now()
	presented := internal.HashRefreshToken(refreshToken)

	if user.RefreshTokenHash == "" ||
		!internal.ConstantTimeEquals(presented, user.RefreshTokenHash) {
		// The presented token was rotated away, cleared by logout, or
		// never issued. Invalidate whatever is stored and force a full
		// re-login.
		if clearErr := e.users.UpdateRefreshToken(ctx, userID, "", time.Time{}); clearErr != nil {
			log.Print("authgate: refresh token invalidation failed")
		}
		if recErr := e.events.Record(ctx, EventRefreshMismatch, userID, clientIPFromContext(ctx)); recErr != nil {
			log.Print("authgate: refresh mismatch event not recorded")
		}
		e.metricInc(MetricRefreshMismatch)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshMismatch, false, userID, "", ErrRefreshTokenMismatch, nil)
		return nil, ErrRefreshTokenMismatch
	}

	if !user.RefreshExpiresAt.IsZero() && !now.Before(user.RefreshExpiresAt) {
		if clearErr := e.users.UpdateRefreshToken(ctx, userID, "", time.Time{}); clearErr != nil {
			log.Print("authgate: refresh token invalidation failed")
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrTokenExpired, func() map[string]string {
			return map[string]string{"reason": "refresh_expired"}
		})
		return nil, ErrTokenExpired
	}

	pair, err := e.issueTokenPair(ctx, user)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", err, func() map[string]string {
			return map[string]string{"reason": "rotation_failed"}
		})
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, userID, "", nil, nil)
	return pair, nil
}

// Logout clears the user's stored refresh token. Outstanding access
// tokens keep working until they expire; logging out an already
// logged-out user is a no-op.
func (e *Engine) Logout(ctx context.Context, userID string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	// The clear must not interleave with a rotation in flight for the
	// same user, or the rotation's write would resurrect the token.
	e.refreshLocks.Lock(userID)
	err := e.users.UpdateRefreshToken(ctx, userID, "", time.Time{})
	e.refreshLocks.Unlock(userID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, userID, "", ErrStoreUnavailable, nil)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, userID, "", nil, nil)
	return nil
}

// RecentEvents returns up to limit security events for the user, newest
// first, within the retention window.
func (e *Engine) RecentEvents(ctx context.Context, userID string, limit int) ([]SecurityEvent, error) {
	if e == nil || e.events == nil {
		return nil, ErrEngineNotReady
	}
	if limit <= 0 {
		limit = 50
	}

	events, err := e.events.Recent(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return events, nil
}

// issueTokenPair mints an access token and a fresh refresh token,
// persisting the refresh hash. The store overwrite is what enforces the
// single-active-refresh-token invariant. The caller must hold the
// user's refresh lock.
func (e *Engine) issueTokenPair(ctx context.Context, user UserRecord) (*TokenPair, error) {
	access, accessExpiry, err := e.jwtManager.CreateAccess(user.UserID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	refresh, refreshHash, err := internal.NewRefreshToken(user.UserID)
	if err != nil {
		return nil, err
	}

	refreshExpiry := e.clock.Now().Add(e.config.JWT.RefreshTTL)
	if err := e.users.UpdateRefreshToken(ctx, user.UserID, refreshHash, refreshExpiry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}
