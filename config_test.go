package authgate

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }},
		{"refresh not beyond access", func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }},
		{"pin too short", func(c *Config) { c.Pin.Digits = 3 }},
		{"pin too long", func(c *Config) { c.Pin.Digits = 11 }},
		{"zero pin ttl", func(c *Config) { c.Pin.TTL = 0 }},
		{"zero pin attempts", func(c *Config) { c.Pin.MaxAttempts = 0 }},
		{"session shorter than pin", func(c *Config) { c.Session.TTL = c.Pin.TTL - time.Minute }},
		{"unlock code too short", func(c *Config) { c.Unlock.Digits = 4 }},
		{"zero unlock ttl", func(c *Config) { c.Unlock.TTL = 0 }},
		{"zero unlock attempts", func(c *Config) { c.Unlock.MaxAttempts = 0 }},
		{"zero lockout threshold", func(c *Config) { c.Lockout.FailureThreshold = 0 }},
		{"zero lockout window", func(c *Config) { c.Lockout.Window = 0 }},
		{"negative geo tolerance", func(c *Config) { c.Geo.ToleranceKM = -1 }},
		{"delegated without keys", func(c *Config) { c.Delegated.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestCloneConfigDetachesKeyMaterial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("secret-key")
	cfg.Delegated.VerifyKeys = map[string][]byte{"k1": []byte("verify-key")}

	clone := cloneConfig(cfg)
	clone.JWT.PrivateKey[0] = 'X'
	clone.Delegated.VerifyKeys["k1"][0] = 'X'

	if cfg.JWT.PrivateKey[0] == 'X' {
		t.Fatal("clone shares private key backing array")
	}
	if cfg.Delegated.VerifyKeys["k1"][0] == 'X' {
		t.Fatal("clone shares verify key backing array")
	}
}
