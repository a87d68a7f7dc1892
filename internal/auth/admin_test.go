package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuthenticator_CorrectCredentials(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)

	a := NewAdminAuthenticator("admin", hash)
	assert.NoError(t, a.Authenticate("admin", "correct-horse-battery-staple"))
}

func TestAdminAuthenticator_WrongPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)

	a := NewAdminAuthenticator("admin", hash)
	assert.Error(t, a.Authenticate("admin", "wrong-password"))
}

func TestAdminAuthenticator_WrongUser(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)

	a := NewAdminAuthenticator("admin", hash)
	assert.Error(t, a.Authenticate("someone-else", "correct-horse-battery-staple"))
}

func TestAdminAuthenticator_UnconfiguredRejectsAll(t *testing.T) {
	a := NewAdminAuthenticator("admin", "")
	assert.Error(t, a.Authenticate("admin", "anything"))
}
