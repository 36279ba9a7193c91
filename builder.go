package authgate

import (
	"errors"

	"github.com/halcyonsec/authgate/internal/keylock"
	"github.com/halcyonsec/authgate/jwt"
	"github.com/halcyonsec/authgate/password"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure it fluently, then call Build
// exactly once.
type Builder struct {
	config Config
	redis  *redis.Client

	userStore UserStore
	notifier  Notifier
	auditSink AuditSink
	clock     Clock

	built bool
}

// New returns a Builder carrying the default config.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's config wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing pending sessions, codes, and
// the security event log.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the credential store.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithNotifier sets the out-of-band code delivery channel.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit destination; the dispatcher only runs
// when Config.Audit.Enabled is also set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the time source. Tests inject a fake here.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires the stores, and returns a
// ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock()
	}

	engine := &Engine{
		config:       cfg,
		users:        b.userStore,
		notifier:     b.notifier,
		clock:        clock,
		sessions:     newLoginSessionStore(b.redis, cfg.Session.RedisPrefix, clock),
		pins:         newCodeStore(b.redis, cfg.Session.RedisPrefix, "pin", cfg.Pin.MaxAttempts, clock),
		unlockCodes:  newCodeStore(b.redis, cfg.Session.RedisPrefix, "unlock", cfg.Unlock.MaxAttempts, clock),
		events:       newSecurityEventLog(b.redis, cfg.Session.RedisPrefix, cfg.Lockout.Window, clock),
		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
		refreshLocks: keylock.New(0),
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		Now:           clock.Now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	if cfg.Delegated.Enabled {
		verifier, err := jwt.NewVerifier(jwt.VerifierConfig{
			SigningMethod: jwt.SigningMethod(cfg.Delegated.SigningMethod),
			Issuer:        cfg.Delegated.Issuer,
			Audience:      cfg.Delegated.Audience,
			VerifyKeys:    cfg.Delegated.VerifyKeys,
			Leeway:        cfg.Delegated.Leeway,
			Now:           clock.Now,
		})
		if err != nil {
			return nil, err
		}
		engine.delegated = verifier
	}

	b.built = true

	return engine, nil
}
