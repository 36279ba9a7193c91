package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures verification of externally issued identity
// tokens. VerifyKeys maps the provider's key ids to key material; the
// verifier never holds signing keys.
type VerifierConfig struct {
	SigningMethod SigningMethod
	Issuer        string
	Audience      string
	VerifyKeys    map[string][]byte
	Leeway        time.Duration

	// Now is the time source for validation. Defaults to time.Now.
	Now func() time.Time
}

// Verifier checks tokens minted by an external identity provider.
type Verifier struct {
	config VerifierConfig
}

// DelegatedClaims is the claim subset the engine consumes from an
// external identity token.
type DelegatedClaims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.VerifyKeys) == 0 {
		return nil, errors.New("verifier requires at least one verify key")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch cfg.SigningMethod {
	case MethodHS256:
	case MethodEd25519:
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Verifier{config: cfg}, nil
}

// Verify checks signature, issuer, audience, and temporal claims. The
// token's kid header selects the verify key. Expired tokens return
// ErrExpired; every other failure returns ErrInvalid.
func (v *Verifier) Verify(tokenStr string) (*DelegatedClaims, error) {
	method := jwt.SigningMethodEdDSA.Alg()
	if v.config.SigningMethod == MethodHS256 {
		method = jwt.SigningMethodHS256.Alg()
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithTimeFunc(v.config.Now),
		jwt.WithExpirationRequired(),
	}
	if v.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(v.config.Leeway))
	}
	if v.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		options = append(options, jwt.WithAudience(v.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &DelegatedClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := v.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		if v.config.SigningMethod == MethodHS256 {
			return key, nil
		}
		return parseEdPublicKey(key)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	claims, ok := token.Claims.(*DelegatedClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
