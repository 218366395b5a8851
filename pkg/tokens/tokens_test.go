package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestAPITokenRoundTrip(t *testing.T) {
	token, err := Generate(APIClaims{Role: RoleAdmin}, secret)
	require.NoError(t, err)

	claims, err := DecodeAPIToken(token, secret, false)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestAPITokenWrongSecret(t *testing.T) {
	token, err := Generate(APIClaims{Role: RoleUser}, secret)
	require.NoError(t, err)

	_, err = DecodeAPIToken(token, []byte("other-secret-other-secret-other!"), false)
	assert.Error(t, err)
}

func TestAPITokenExpEnforcement(t *testing.T) {
	// no exp claim: accepted without enforcement, rejected with it
	token, err := Generate(APIClaims{Role: RoleAdmin}, secret)
	require.NoError(t, err)

	_, err = DecodeAPIToken(token, secret, false)
	assert.NoError(t, err)

	_, err = DecodeAPIToken(token, secret, true)
	assert.Error(t, err)

	// expired token is rejected either way
	expired, err := Generate(APIClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, secret)
	require.NoError(t, err)

	_, err = DecodeAPIToken(expired, secret, true)
	assert.Error(t, err)
}

func TestAPITokenUnknownRole(t *testing.T) {
	type weirdClaims struct {
		Role string `json:"role"`
		jwt.RegisteredClaims
	}
	token, err := Generate(weirdClaims{Role: "superuser"}, secret)
	require.NoError(t, err)

	_, err = DecodeAPIToken(token, secret, false)
	assert.Error(t, err)
}

func TestDBAuthTokens(t *testing.T) {
	auth, err := NewDBAuth()
	require.NoError(t, err)
	assert.NotEmpty(t, auth.PermanentToken())

	issued, err := auth.IssueToken(time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, issued)
	assert.NotEqual(t, auth.PermanentToken(), issued)

	// tokens from different identities do not verify against each other
	other, err := NewDBAuth()
	require.NoError(t, err)
	assert.NotEqual(t, auth.PermanentToken(), other.PermanentToken())
}
