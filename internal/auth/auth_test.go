package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Hour)

	token, err := iss.Issue("admin-1", "admin")
	require.NoError(t, err)

	claims, err := iss.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "admin-1", claims.Subject)
	require.Equal(t, "admin", claims.Role)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	a := NewIssuer([]byte("secret-a"), time.Hour)
	b := NewIssuer([]byte("secret-b"), time.Hour)

	token, err := a.Issue("admin-1", "admin")
	require.NoError(t, err)

	_, err = b.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), -time.Minute)

	token, err := iss.Issue("admin-1", "admin")
	require.NoError(t, err)

	_, err = iss.Validate(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRequireRoleRejectsMismatch(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Hour)

	token, err := iss.Issue("worker-1", "worker")
	require.NoError(t, err)

	_, err = iss.RequireRole(token, "admin")
	require.ErrorIs(t, err, ErrInvalidToken)
}
