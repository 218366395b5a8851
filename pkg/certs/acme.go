package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/paths"
)

// acmeUser satisfies the lego account interface.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// ChallengeSolver stores pending HTTP-01 key authorizations. The proxy
// serves them on /.well-known/acme-challenge/{token} over plain HTTP.
type ChallengeSolver struct {
	mu         sync.RWMutex
	challenges map[string]map[string]string
}

// NewChallengeSolver creates an empty solver.
func NewChallengeSolver() *ChallengeSolver {
	return &ChallengeSolver{challenges: make(map[string]map[string]string)}
}

// Present records a challenge for the proxy to serve.
func (s *ChallengeSolver) Present(domain, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenges[domain] == nil {
		s.challenges[domain] = make(map[string]string)
	}
	s.challenges[domain][token] = keyAuth
	return nil
}

// CleanUp drops a challenge after validation.
func (s *ChallengeSolver) CleanUp(domain, token, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens, ok := s.challenges[domain]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(s.challenges, domain)
		}
	}
	return nil
}

// KeyAuth looks up the authorization for a served challenge request.
func (s *ChallengeSolver) KeyAuth(domain, token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyAuth, ok := s.challenges[domain][token]
	return keyAuth, ok
}

// ACMEAcquirer obtains certificates from an ACME CA over HTTP-01.
type ACMEAcquirer struct {
	mu     sync.Mutex
	client *lego.Client
}

var _ Acquirer = (*ACMEAcquirer)(nil)

// NewACMEAcquirer registers an ACME account and wires the HTTP-01 solver.
// caDirURL falls back to the Let's Encrypt production directory.
func NewACMEAcquirer(email, caDirURL string, solver *ChallengeSolver) (*ACMEAcquirer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	user := &acmeUser{email: email, key: key}

	config := lego.NewConfig(user)
	if caDirURL != "" {
		config.CADirURL = caDirURL
	}
	config.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(solver); err != nil {
		return nil, fmt.Errorf("failed to set http-01 solver: %w", err)
	}
	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to register acme account: %w", err)
	}
	user.registration = reg
	logger := log.WithComponent("certs")
	logger.Info().Str("email", email).Msg("acme account registered")

	return &ACMEAcquirer{client: client}, nil
}

// Obtain requests a bundled certificate for one domain. Requests are
// serialized since the CA rate-limits per account anyway.
func (a *ACMEAcquirer) Obtain(_ context.Context, domain string) ([]byte, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resource, err := a.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain certificate for %s: %w", domain, err)
	}
	return resource.Certificate, resource.PrivateKey, nil
}

// appendIntermediates completes a chain that came without its issuers, by
// following the leaf's CA Issuers URLs. Downloads are cached on disk so
// restarts do not refetch them.
func appendIntermediates(pair *tls.Certificate, leaf *x509.Certificate) {
	if len(pair.Certificate) > 1 {
		return
	}
	for _, url := range leaf.IssuingCertificateURL {
		intermediate, err := fetchIntermediate(url)
		if err != nil {
			logger := log.WithComponent("certs")
			logger.Warn().Err(err).Str("url", url).Msg("failed to fetch intermediate")
			continue
		}
		pair.Certificate = append(pair.Certificate, intermediate.Raw)
	}
}

func fetchIntermediate(url string) (*x509.Certificate, error) {
	fingerprint := hex.EncodeToString(fingerprintOf(url))
	cached := paths.IntermediatePath(fingerprint)
	if pemBytes, err := os.ReadFile(cached); err == nil {
		if block, _ := pem.Decode(pemBytes); block != nil {
			return x509.ParseCertificate(block.Bytes)
		}
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intermediate download returned %d", resp.StatusCode)
	}
	der, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("invalid intermediate certificate: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(cached, pemBytes, 0o644); err != nil {
		logger := log.WithComponent("certs")
		logger.Warn().Err(err).Msg("failed to cache intermediate")
	}
	return cert, nil
}

func fingerprintOf(url string) []byte {
	sum := sha256.Sum256([]byte(url))
	return sum[:8]
}
