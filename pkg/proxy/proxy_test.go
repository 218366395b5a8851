package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/deployments"
	"github.com/prezel/prezel/pkg/tokens"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestProxy() *Proxy {
	solver := certs.NewChallengeSolver()
	return New(nil, nil, solver, testSecret, "--api--.box.dev", nil)
}

func TestACMEChallengeServed(t *testing.T) {
	p := newTestProxy()
	require.NoError(t, p.solver.Present("box.dev", "tok123", "tok123.keyauth"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://box.dev/.well-known/acme-challenge/tok123", nil)
	p.serveHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok123.keyauth", rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://box.dev/.well-known/acme-challenge/unknown", nil)
	p.serveHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPRedirectsToTLS(t *testing.T) {
	p := newTestProxy()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://blog.box.dev/posts?page=2", nil)
	p.serveHTTP(rec, req)

	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "https://blog.box.dev/posts?page=2", rec.Header().Get("Location"))
}

func signedToken(t *testing.T, role tokens.Role) string {
	t.Helper()
	token, err := tokens.Generate(tokens.APIClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, testSecret)
	require.NoError(t, err)
	return token
}

func gateTarget(public, insert bool) deployments.ResolvedTarget {
	c := container.New(nil, container.Config{InitialStatus: container.StatusBuilt}, nil, nil, "a1b2c3d4e5", public, nil)
	return deployments.ResolvedTarget{Container: c, InsertEnabled: insert}
}

func TestAuthorizePublicTarget(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "https://blog.box.dev/", nil)
	assert.True(t, p.authorize(rec, req, gateTarget(true, false)))
}

func TestAuthorizePrivateTarget(t *testing.T) {
	p := newTestProxy()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "https://blog.box.dev/", nil)
	assert.False(t, p.authorize(rec, req, gateTarget(false, false)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.False(t, p.authorize(rec, req, gateTarget(false, false)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer "+signedToken(t, tokens.RoleUser))
	assert.True(t, p.authorize(rec, req, gateTarget(false, false)))
}

func TestAuthorizeInsertNeedsAdmin(t *testing.T) {
	p := newTestProxy()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "https://blog--slug1-insert.box.dev/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, tokens.RoleUser))
	assert.False(t, p.authorize(rec, req, gateTarget(true, true)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer "+signedToken(t, tokens.RoleAdmin))
	assert.True(t, p.authorize(rec, req, gateTarget(true, true)))
}

func TestTokenFromCookie(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "https://blog.box.dev/", nil)
	req.AddCookie(&http.Cookie{Name: "prezel_token", Value: signedToken(t, tokens.RoleUser)})
	assert.True(t, p.authorize(rec, req, gateTarget(false, false)))
}
