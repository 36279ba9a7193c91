package authgate

import (
	"context"
	"errors"
)

const (
	auditEventCredentialSuccess = "credential_success"
	auditEventCredentialFailure = "credential_failure"
	auditEventPinIssued         = "pin_issued"
	auditEventPinSuccess        = "pin_success"
	auditEventPinFailure        = "pin_failure"
	auditEventLocationPass      = "location_pass"
	auditEventLocationFlagged   = "location_flagged"
	auditEventLoginCompleted    = "login_completed"
	auditEventRefreshSuccess    = "refresh_success"
	auditEventRefreshInvalid    = "refresh_invalid"
	auditEventRefreshMismatch   = "refresh_mismatch"
	auditEventLockoutTriggered  = "lockout_triggered"
	auditEventUnlockRequested   = "unlock_requested"
	auditEventUnlockSuccess     = "unlock_success"
	auditEventUnlockFailure     = "unlock_failure"
	auditEventDelegatedSuccess  = "delegated_success"
	auditEventDelegatedFailure  = "delegated_failure"
	auditEventLogout            = "logout"
)

// AuditErrorCode is the stable error vocabulary carried on audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrSessionExpired     AuditErrorCode = "session_expired"
	auditErrInvalidPin         AuditErrorCode = "invalid_pin"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrRefreshMismatch    AuditErrorCode = "refresh_mismatch"
	auditErrDelegatedInvalid   AuditErrorCode = "delegated_invalid"
	auditErrInvalidUnlockCode  AuditErrorCode = "invalid_unlock_code"
	auditErrNotLocked          AuditErrorCode = "not_locked"
	auditErrUserNotFound       AuditErrorCode = "user_not_found"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionRef string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:  e.clock.Now().UTC(),
		EventType:  eventType,
		UserID:     userID,
		SessionRef: sessionRef,
		IP:         clientIPFromContext(ctx),
		DeviceID:   deviceIDFromContext(ctx),
		Success:    success,
		Metadata:   metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrSessionExpired):
		return auditErrSessionExpired
	case errors.Is(err, ErrInvalidPin):
		return auditErrInvalidPin
	case errors.Is(err, ErrPinAttemptsExhausted),
		errors.Is(err, ErrUnlockAttemptsExhausted):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrRefreshTokenMismatch):
		return auditErrRefreshMismatch
	case errors.Is(err, ErrDelegatedTokenInvalid):
		return auditErrDelegatedInvalid
	case errors.Is(err, ErrInvalidUnlockCode):
		return auditErrInvalidUnlockCode
	case errors.Is(err, ErrAccountNotLocked):
		return auditErrNotLocked
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
