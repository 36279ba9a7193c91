package authgate

import (
	"errors"
	"time"
)

// Config carries all engine tuning. Populate it before [Builder.Build];
// the engine treats it as immutable afterwards.
type Config struct {
	JWT       JWTConfig
	Delegated DelegatedConfig
	Pin       PinConfig
	Session   SessionConfig
	Unlock    UnlockConfig
	Lockout   LockoutConfig
	Geo       GeoConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// JWTConfig controls locally minted access tokens and the refresh token
// lifetime.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// DelegatedConfig controls verification of externally issued OIDC tokens.
// VerifyKeys maps key ids (kid) to the provider's published key material;
// the engine never signs with these keys.
type DelegatedConfig struct {
	Enabled       bool
	Issuer        string
	Audience      string
	SigningMethod string // "ed25519" (default), "hs256" optional
	VerifyKeys    map[string][]byte
	Leeway        time.Duration
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// PinConfig controls the one-time PIN second factor.
type PinConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
}

// SessionConfig controls pending login sessions, the ephemeral records
// that thread state between the three legacy steps.
type SessionConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

// UnlockConfig controls account recovery codes issued on lockout.
type UnlockConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
}

// LockoutConfig controls the windowed failure policy. When the countable
// failures for one subject inside the trailing Window exceed
// FailureThreshold, the account is locked.
type LockoutConfig struct {
	FailureThreshold int
	Window           time.Duration
}

// GeoConfig controls the soft-fail location plausibility check. A claim
// passes when its region matches the user's known region or its
// coordinates fall within ToleranceKM of the last known position.
type GeoConfig struct {
	ToleranceKM float64
}

/*
====================================
AMBIENT CONFIG
====================================
*/

// PasswordConfig carries argon2id parameters. Memory is in KiB.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics counters.
type MetricsConfig struct {
	Enabled                bool
	EnableLatencyHistogram bool
}

// DefaultConfig returns the engine defaults: 15-minute access tokens,
// 7-day refresh tokens, 4-digit PINs with 5 attempts and a 10-minute TTL,
// 6-digit unlock codes with 3 attempts and a 30-minute TTL, a lockout
// threshold of 5 failures over 24 hours, and a 500 km geo tolerance.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authgate",
		},
		Delegated: DelegatedConfig{
			SigningMethod: "ed25519",
		},
		Pin: PinConfig{
			Digits:      4,
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
		},
		Session: SessionConfig{
			TTL:         15 * time.Minute,
			RedisPrefix: "ag",
		},
		Unlock: UnlockConfig{
			Digits:      6,
			TTL:         30 * time.Minute,
			MaxAttempts: 3,
		},
		Lockout: LockoutConfig{
			FailureThreshold: 5,
			Window:           24 * time.Hour,
		},
		Geo: GeoConfig{
			ToleranceKM: 500,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations that would weaken the security
// invariants the engine is built around.
func (c Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT.RefreshTTL must exceed JWT.AccessTTL")
	}
	if c.Pin.Digits < 4 || c.Pin.Digits > 10 {
		return errors.New("Pin.Digits must be in [4,10]")
	}
	if c.Pin.TTL <= 0 {
		return errors.New("Pin.TTL must be positive")
	}
	if c.Pin.MaxAttempts < 1 {
		return errors.New("Pin.MaxAttempts must be >= 1")
	}
	if c.Session.TTL < c.Pin.TTL {
		return errors.New("Session.TTL must cover Pin.TTL")
	}
	if c.Unlock.Digits < 6 || c.Unlock.Digits > 10 {
		return errors.New("Unlock.Digits must be in [6,10]")
	}
	if c.Unlock.TTL <= 0 {
		return errors.New("Unlock.TTL must be positive")
	}
	if c.Unlock.MaxAttempts < 1 {
		return errors.New("Unlock.MaxAttempts must be >= 1")
	}
	if c.Lockout.FailureThreshold < 1 {
		return errors.New("Lockout.FailureThreshold must be >= 1")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout.Window must be positive")
	}
	if c.Geo.ToleranceKM < 0 {
		return errors.New("Geo.ToleranceKM must not be negative")
	}
	if c.Delegated.Enabled && len(c.Delegated.VerifyKeys) == 0 {
		return errors.New("Delegated.VerifyKeys required when delegated flow is enabled")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.Delegated.VerifyKeys != nil {
		keys := make(map[string][]byte, len(cfg.Delegated.VerifyKeys))
		for kid, key := range cfg.Delegated.VerifyKeys {
			keys[kid] = cloneBytes(key)
		}
		out.Delegated.VerifyKeys = keys
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
