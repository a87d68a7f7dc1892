// Package auth validates submitter/admin bearer tokens and per-robot
// session tokens (spec §6: "JWT for human/API submitters; per-robot
// symmetric tokens for workers").
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casarerpa/orchestrator/internal/errs"
)

// Principal is the resolved identity of a validated submitter token (spec
// §6: "validate(token) -> {subject, roles, expires_at} | error").
type Principal struct {
	Subject   string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTValidator validates and issues HS256 submitter/admin tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Issue signs a new access token for subject with the given roles,
// expiring after ttl.
func (v *JWTValidator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"roles": roles,
		"iss":  "casarerpa-orchestrator",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "failed to sign access token", err)
	}
	return signed, nil
}

// Validate parses and verifies tokenString, returning the resolved
// principal. Expiry, signature and algorithm are checked by jwt.Parse;
// mismatches surface as errs.Invalid.
func (v *JWTValidator) Validate(tokenString string) (Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, errs.Wrap(errs.Invalid, "invalid or expired token", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, errs.New(errs.Invalid, "token missing subject claim")
	}

	var roles []string
	switch v := claims["roles"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	case string:
		roles = []string{v}
	}

	var expiresAt time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}

	return Principal{Subject: sub, Roles: roles, ExpiresAt: expiresAt}, nil
}
