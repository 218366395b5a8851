package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcquirer mints self-signed certificates on demand.
type fakeAcquirer struct {
	calls    atomic.Int64
	fail     atomic.Bool
	lifetime time.Duration
}

func (f *fakeAcquirer) Obtain(_ context.Context, domain string) ([]byte, []byte, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, nil, errors.New("ca unavailable")
	}
	lifetime := f.lifetime
	if lifetime == 0 {
		lifetime = 90 * 24 * time.Hour
	}
	return selfSigned(domain, lifetime)
}

func selfSigned(domain string, lifetime time.Duration) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(lifetime),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func newTestStore(t *testing.T, acquirer Acquirer, domains ...string) *Store {
	t.Helper()
	t.Setenv("PREZEL_ROOT", t.TempDir())
	return NewStore(acquirer, "*.box.example", domains)
}

func TestAcquisitionAndSNILookup(t *testing.T) {
	acquirer := &fakeAcquirer{}
	store := newTestStore(t, acquirer, "shop.example")

	store.processAll(context.Background())

	states := store.States()
	assert.Equal(t, StateReady, states["*.box.example"])
	assert.Equal(t, StateReady, states["shop.example"])
	assert.Equal(t, int64(2), acquirer.calls.Load())

	custom, err := store.GetForSNI("shop.example")
	require.NoError(t, err)
	assert.Equal(t, "shop.example", custom.Leaf.DNSNames[0])

	// unknown hostnames fall back to the wildcard
	fallback, err := store.GetForSNI("demo.box.example")
	require.NoError(t, err)
	assert.Equal(t, "*.box.example", fallback.Leaf.DNSNames[0])
}

func TestFailureBackoff(t *testing.T) {
	acquirer := &fakeAcquirer{}
	acquirer.fail.Store(true)
	store := newTestStore(t, acquirer)

	store.processAll(context.Background())
	assert.Equal(t, StateFailed, store.States()["*.box.example"])

	// inside the backoff window the entry is not retried
	store.processAll(context.Background())
	assert.Equal(t, int64(1), acquirer.calls.Load())

	// past the backoff it is retried and recovers
	acquirer.fail.Store(false)
	store.mu.Lock()
	store.entries["*.box.example"].retryAt = time.Now().Add(-time.Second)
	store.mu.Unlock()

	store.processAll(context.Background())
	assert.Equal(t, StateReady, store.States()["*.box.example"])
}

func TestRenewalWindow(t *testing.T) {
	acquirer := &fakeAcquirer{lifetime: 10 * 24 * time.Hour}
	store := newTestStore(t, acquirer)

	store.processAll(context.Background())
	require.Equal(t, StateReady, store.States()["*.box.example"])

	// a cert expiring inside the window is due again
	assert.Contains(t, store.due(), "*.box.example")

	acquirer.lifetime = 90 * 24 * time.Hour
	store.processAll(context.Background())
	assert.NotContains(t, store.due(), "*.box.example")
}

func TestFailedRenewalHonorsBackoff(t *testing.T) {
	acquirer := &fakeAcquirer{lifetime: 10 * 24 * time.Hour}
	store := newTestStore(t, acquirer)

	store.processAll(context.Background())
	require.Equal(t, StateReady, store.States()["*.box.example"])
	require.Contains(t, store.due(), "*.box.example")

	// the renewal fails; the old certificate keeps serving
	acquirer.fail.Store(true)
	store.processAll(context.Background())
	assert.Equal(t, StateReady, store.States()["*.box.example"])
	calls := acquirer.calls.Load()

	// inside the backoff window the renewal is not retried
	store.processAll(context.Background())
	assert.Equal(t, calls, acquirer.calls.Load())

	// past the backoff the entry is due again
	store.mu.Lock()
	store.entries["*.box.example"].retryAt = time.Now().Add(-time.Second)
	store.mu.Unlock()
	assert.Contains(t, store.due(), "*.box.example")
}

func TestInsertDomainIdempotent(t *testing.T) {
	acquirer := &fakeAcquirer{}
	store := newTestStore(t, acquirer)
	store.processAll(context.Background())

	calls := acquirer.calls.Load()
	store.InsertDomain("*.box.example")
	store.processAll(context.Background())
	assert.Equal(t, calls, acquirer.calls.Load())
}

func TestLoadFromDiskOnRestart(t *testing.T) {
	acquirer := &fakeAcquirer{}
	root := t.TempDir()
	t.Setenv("PREZEL_ROOT", root)

	store := NewStore(acquirer, "*.box.example", nil)
	store.processAll(context.Background())
	require.Equal(t, int64(1), acquirer.calls.Load())

	// a fresh store over the same disk state starts Ready without the CA
	restarted := NewStore(acquirer, "*.box.example", nil)
	assert.Equal(t, StateReady, restarted.States()["*.box.example"])
	restarted.processAll(context.Background())
	assert.Equal(t, int64(1), acquirer.calls.Load())
}

func TestChallengeSolver(t *testing.T) {
	solver := NewChallengeSolver()
	require.NoError(t, solver.Present("shop.example", "tok", "tok.auth"))

	keyAuth, ok := solver.KeyAuth("shop.example", "tok")
	require.True(t, ok)
	assert.Equal(t, "tok.auth", keyAuth)

	require.NoError(t, solver.CleanUp("shop.example", "tok", ""))
	_, ok = solver.KeyAuth("shop.example", "tok")
	assert.False(t, ok)
}
