package protocol

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialValidator authenticates an inbound AUTH frame's payload,
// returning the subject identity on success. A Context without one accepts
// any AUTH payload, matching spec.md §4.4's minimal "no externally pluggable
// auth" baseline; registering one is the SPEC_FULL.md DOMAIN STACK addition.
type CredentialValidator interface {
	Validate(payload []byte) (subject string, err error)
}

// JWTValidator validates AUTH payloads as compact JWTs signed with a single
// shared secret (HMAC). Grounded on the apex-build-platform pack repo's use
// of github.com/golang-jwt/jwt/v5 for bearer-token validation, adapted here
// to validate the protocol's AUTH frame payload instead of an HTTP header.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator keyed by secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: append([]byte(nil), secret...)}
}

// Validate parses payload as a JWT, verifies its signature and expiry, and
// returns the "sub" claim.
func (v *JWTValidator) Validate(payload []byte) (string, error) {
	token, err := jwt.Parse(string(payload), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("protocol: auth token invalid: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("protocol: auth token invalid")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("protocol: auth token missing sub claim")
	}
	return sub, nil
}
