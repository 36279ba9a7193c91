// Package internal holds crypto helpers shared by the authgate engine:
// opaque identifiers, refresh token material, and numeric one-time codes.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const (
	sessionRefSize    = 16
	refreshSecretSize = 32
)

// NewSessionRef returns an opaque, unguessable reference for a pending
// login session (base64url, no padding).
func NewSessionRef() (string, error) {
	var raw [sessionRefSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewRefreshToken returns a high-entropy opaque refresh token bound to
// userID, plus the hash under which it is persisted. Only the hash ever
// reaches durable storage. The user id rides inside the token so that a
// presented token locates its account without a secondary index.
func NewRefreshToken(userID string) (token string, hash string, err error) {
	if len(userID) == 0 || len(userID) > 255 {
		return "", "", errors.New("invalid user id length")
	}

	var raw [refreshSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", err
	}

	payload := make([]byte, 0, 1+len(userID)+refreshSecretSize)
	payload = append(payload, byte(len(userID)))
	payload = append(payload, userID...)
	payload = append(payload, raw[:]...)

	token = base64.RawURLEncoding.EncodeToString(payload)
	return token, HashRefreshToken(token), nil
}

// UserIDFromRefreshToken extracts the user id a refresh token claims to
// belong to. The claim is only trusted after the token's hash matches
// the one stored for that user.
func UserIDFromRefreshToken(token string) (string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("malformed refresh token")
	}
	if len(payload) < 2 {
		return "", errors.New("malformed refresh token")
	}
	idLen := int(payload[0])
	if idLen == 0 || len(payload) != 1+idLen+refreshSecretSize {
		return "", errors.New("malformed refresh token")
	}
	return string(payload[1 : 1+idLen]), nil
}

// HashRefreshToken maps a presented refresh token to its storage hash.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNumericCode generates a crypto-random numeric one-time code. Digits
// covers both 4-digit PINs and 6-digit unlock codes.
func NewNumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}
