package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/casarerpa/orchestrator/internal/errs"
)

// AdminAuthenticator checks the bootstrap admin credential that
// POST /api/admin/login exchanges for a submitter JWT. Robot sessions
// never go through this path (spec §6: robot tokens are opaque bearer
// strings, not passwords).
type AdminAuthenticator struct {
	user         string
	passwordHash string
}

// NewAdminAuthenticator creates an authenticator from the configured admin
// user and bcrypt password hash.
func NewAdminAuthenticator(user, passwordHash string) *AdminAuthenticator {
	return &AdminAuthenticator{user: user, passwordHash: passwordHash}
}

// Authenticate compares user/password against the configured admin
// credential, returning an Invalid error on any mismatch so callers can't
// distinguish "unknown user" from "wrong password".
func (a *AdminAuthenticator) Authenticate(user, password string) error {
	if a.passwordHash == "" || user != a.user {
		return errs.New(errs.Invalid, "invalid admin credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return errs.New(errs.Invalid, "invalid admin credentials")
	}
	return nil
}

// HashPassword bcrypt-hashes a plaintext password for storage in
// AuthConfig.AdminPasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "failed to hash password", err)
	}
	return string(hash), nil
}
