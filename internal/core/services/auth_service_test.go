package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice", claims.Subject)
}

func TestAuthService_RejectsForeignSecret(t *testing.T) {
	token, err := NewAuthService("other", time.Hour).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewAuthService("secret", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Expired(t *testing.T) {
	auth := NewAuthService("secret", time.Minute).(*authService)
	auth.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "mallory"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewAuthService("secret", time.Hour).ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Garbage(t *testing.T) {
	_, err := NewAuthService("secret", time.Hour).ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
