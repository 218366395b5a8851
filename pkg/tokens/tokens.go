// Package tokens implements the JWT surfaces of the platform: HS256 API
// tokens carrying a role claim, and per-database tokens signed with a key
// owned by each embedded SQL database.
package tokens

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the access level carried by an API token.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// APIClaims is the claim shape of management API tokens.
type APIClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Generate signs claims with the shared secret.
func Generate(claims jwt.Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// DecodeAPIToken validates an API token. Expiry is only enforced when
// validateExp is set: long-lived CLI tokens are issued without exp.
func DecodeAPIToken(token string, secret []byte, validateExp bool) (*APIClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if validateExp {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	claims := &APIClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	switch claims.Role {
	case RoleAdmin, RoleUser:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// DBAuth is the auth identity of one embedded SQL database: a random
// signing key, a permanent token baked into container env for build-time
// access, and an issuer for expiring tokens returned by the API.
type DBAuth struct {
	key       []byte
	permanent string
}

type dbClaims struct {
	// "a" claim mirrors the access level understood by sqld: "ro" or "rw"
	Access string `json:"a"`
	jwt.RegisteredClaims
}

// NewDBAuth creates a fresh auth identity with a random key.
func NewDBAuth() (*DBAuth, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate db key: %w", err)
	}
	permanent, err := Generate(dbClaims{Access: "rw"}, key)
	if err != nil {
		return nil, err
	}
	return &DBAuth{key: key, permanent: permanent}, nil
}

// PermanentToken returns the non-expiring read-write token.
func (a *DBAuth) PermanentToken() string {
	return a.permanent
}

// IssueToken issues an expiring token for API responses.
func (a *DBAuth) IssueToken(ttl time.Duration) (string, error) {
	return Generate(dbClaims{
		Access: "rw",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}, a.key)
}
