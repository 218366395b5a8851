// Package certs owns the TLS certificate store: one entry per domain,
// acquired and renewed through ACME, persisted as PEM files on disk. The
// proxy resolves SNI lookups against this store.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/metrics"
	"github.com/prezel/prezel/pkg/paths"
)

// State of one domain entry.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

const (
	renewBefore  = 15 * 24 * time.Hour
	retryBackoff = time.Hour
	scanInterval = time.Hour
)

// Acquirer obtains a certificate and private key for a domain.
type Acquirer interface {
	Obtain(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error)
}

type entry struct {
	state    State
	cert     *tls.Certificate
	notAfter time.Time
	retryAt  time.Time
}

// Store is the thread-safe domain certificate map plus the default
// wildcard certificate for the box domain.
type Store struct {
	acquirer Acquirer
	wildcard string

	mu      sync.RWMutex
	entries map[string]*entry

	wake chan struct{}
}

// NewStore creates a store with the box wildcard domain registered. Any
// certificates already on disk are loaded as Ready.
func NewStore(acquirer Acquirer, wildcardDomain string, customDomains []string) *Store {
	s := &Store{
		acquirer: acquirer,
		wildcard: wildcardDomain,
		entries:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
	s.InsertDomain(wildcardDomain)
	for _, domain := range customDomains {
		s.InsertDomain(domain)
	}
	return s
}

// InsertDomain registers a domain as Pending unless it is already known.
// Certificates found on disk short-circuit straight to Ready.
func (s *Store) InsertDomain(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[domain]; ok {
		return
	}
	if cert, notAfter, err := loadFromDisk(domain); err == nil {
		s.entries[domain] = &entry{state: StateReady, cert: cert, notAfter: notAfter}
		logger := log.WithComponent("certs")
		logger.Debug().Str("domain", domain).Msg("loaded certificate from disk")
	} else {
		s.entries[domain] = &entry{state: StatePending}
	}
	s.publishMetrics()
	s.signal()
}

// RemoveDomain drops a domain entry. The on-disk PEMs stay in place so a
// re-added domain does not hit the CA again.
func (s *Store) RemoveDomain(domain string) {
	if domain == s.wildcard {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, domain)
	s.publishMetrics()
}

// GetForSNI resolves the certificate for a TLS client hello. Unknown or
// not-yet-ready domains fall back to the default wildcard certificate.
func (s *Store) GetForSNI(serverName string) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[serverName]; ok && e.state == StateReady {
		return e.cert, nil
	}
	if e, ok := s.entries[s.wildcard]; ok && e.state == StateReady {
		return e.cert, nil
	}
	return nil, fmt.Errorf("no certificate available for %s", serverName)
}

// States snapshots the state of every domain, for the API and metrics.
func (s *Store) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.entries))
	for domain, e := range s.entries {
		out[domain] = e.state
	}
	return out
}

// publishMetrics recounts entries per state. Callers hold s.mu.
func (s *Store) publishMetrics() {
	counts := map[State]int{StatePending: 0, StateReady: 0, StateFailed: 0}
	for _, e := range s.entries {
		counts[e.state]++
	}
	for state, n := range counts {
		metrics.CertDomains.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives acquisition and renewal until ctx is done. Pending entries
// are acquired immediately, Ready entries are renewed when they get within
// the renewal window of their expiry, Failed entries are retried after a
// backoff.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		s.processAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Store) processAll(ctx context.Context) {
	for _, domain := range s.due() {
		s.acquire(ctx, domain)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Store) due() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var domains []string
	for domain, e := range s.entries {
		switch e.state {
		case StatePending:
			domains = append(domains, domain)
		case StateFailed:
			if now.After(e.retryAt) {
				domains = append(domains, domain)
			}
		case StateReady:
			// a failed renewal sets retryAt; honor the backoff here too
			if e.notAfter.Sub(now) < renewBefore && now.After(e.retryAt) {
				domains = append(domains, domain)
			}
		}
	}
	return domains
}

func (s *Store) acquire(ctx context.Context, domain string) {
	logger := log.WithComponent("certs")
	certPEM, keyPEM, err := s.acquirer.Obtain(ctx, domain)
	if err != nil {
		logger.Error().Err(err).Str("domain", domain).Msg("certificate acquisition failed")
		s.markFailed(domain)
		return
	}
	if err := writeToDisk(domain, certPEM, keyPEM); err != nil {
		logger.Error().Err(err).Str("domain", domain).Msg("failed to persist certificate")
		s.markFailed(domain)
		return
	}
	cert, notAfter, err := loadFromDisk(domain)
	if err != nil {
		logger.Error().Err(err).Str("domain", domain).Msg("failed to load acquired certificate")
		s.markFailed(domain)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[domain]; ok {
		e.state = StateReady
		e.cert = cert
		e.notAfter = notAfter
	}
	s.publishMetrics()
	logger.Info().Str("domain", domain).Time("not_after", notAfter).Msg("certificate ready")
}

func (s *Store) markFailed(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[domain]; ok {
		// keep serving the old cert if we were renewing
		if e.state != StateReady {
			e.state = StateFailed
		}
		e.retryAt = time.Now().Add(retryBackoff)
	}
	s.publishMetrics()
}

func writeToDisk(domain string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(paths.DomainCertPath(domain), certPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(paths.DomainKeyPath(domain), keyPEM, 0o600)
}

func loadFromDisk(domain string) (*tls.Certificate, time.Time, error) {
	certPEM, err := os.ReadFile(paths.DomainCertPath(domain))
	if err != nil {
		return nil, time.Time{}, err
	}
	keyPEM, err := os.ReadFile(paths.DomainKeyPath(domain))
	if err != nil {
		return nil, time.Time{}, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid key pair for %s: %w", domain, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, time.Time{}, err
	}
	pair.Leaf = leaf
	appendIntermediates(&pair, leaf)
	return &pair, leaf.NotAfter, nil
}
