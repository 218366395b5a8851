// Package proxy is the TLS-terminating reverse proxy in front of every app
// and database container. It wakes sleeping containers on demand, serves
// ACME HTTP-01 challenges on port 80, and routes the management API
// hostname to the embedded API handler.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/deployments"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/metrics"
	"github.com/prezel/prezel/pkg/tokens"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// wakeTimeout bounds how long a request waits for its container to come
// up, builds included.
const wakeTimeout = 2 * time.Minute

// Proxy terminates TLS and forwards requests to the container serving the
// request hostname.
type Proxy struct {
	manager *deployments.Manager
	certs   *certs.Store
	solver  *certs.ChallengeSolver
	secret  []byte
	apiHost string
	api     http.Handler

	httpAddr  string
	httpsAddr string
}

// New assembles the proxy. The api handler is served on the dedicated API
// hostname; secret verifies the bearer tokens of private deployments.
func New(manager *deployments.Manager, certStore *certs.Store, solver *certs.ChallengeSolver, secret []byte, apiHost string, api http.Handler) *Proxy {
	return &Proxy{
		manager:   manager,
		certs:     certStore,
		solver:    solver,
		secret:    secret,
		apiHost:   apiHost,
		api:       api,
		httpAddr:  ":80",
		httpsAddr: ":443",
	}
}

// Run serves both listeners until ctx is done, then drains them.
func (p *Proxy) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    p.httpAddr,
		Handler: http.HandlerFunc(p.serveHTTP),
	}
	httpsServer := &http.Server{
		Addr:    p.httpsAddr,
		Handler: http.HandlerFunc(p.serveHTTPS),
		TLSConfig: &tls.Config{
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return p.certs.GetForSNI(hello.ServerName)
			},
			MinVersion: tls.VersionTLS12,
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := httpsServer.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(drainCtx)
		httpsServer.Shutdown(drainCtx)
		return nil
	})
	return g.Wait()
}

// serveHTTP answers ACME challenges and redirects everything else to TLS.
func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if token, ok := strings.CutPrefix(r.URL.Path, acmeChallengePrefix); ok {
		if keyAuth, found := p.solver.KeyAuth(stripPort(r.Host), token); found {
			fmt.Fprint(w, keyAuth)
			return
		}
		http.NotFound(w, r)
		return
	}
	target := url.URL{Scheme: "https", Host: stripPort(r.Host), Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
}

func (p *Proxy) serveHTTPS(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.ProxyRequestsTotal.WithLabelValues(metrics.StatusClass(rec.status)).Inc()
	}()

	host := stripPort(r.Host)
	if host == p.apiHost {
		p.api.ServeHTTP(rec, r)
		return
	}

	target, err := p.manager.GetContainerByHostname(host)
	if err != nil {
		http.Error(rec, "no app behind this hostname", http.StatusNotFound)
		return
	}
	if !p.authorize(rec, r, target) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wakeTimeout)
	defer cancel()
	state, err := target.Container.EnqueueUp(ctx)
	if err != nil {
		switch {
		case errors.Is(err, container.ErrBuildFailed):
			http.Error(rec, "deployment build failed", http.StatusBadGateway)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(rec, "timed out waiting for the app to start", http.StatusGatewayTimeout)
		default:
			logger := log.WithComponent("proxy")
			logger.Error().Err(err).
				Str("host", host).Str("request_id", requestID).Msg("failed to wake container")
			http.Error(rec, "failed to reach the app", http.StatusBadGateway)
		}
		return
	}

	upstream := &url.URL{Scheme: "http", Host: net.JoinHostPort(state.IP, "80")}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = r.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger := log.WithComponent("proxy")
			logger.Warn().Err(err).
				Str("host", host).Str("request_id", requestID).Msg("upstream error")
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(rec, r)
}

// authorize enforces the visibility gate. Public targets pass untouched,
// private ones need a valid bearer token, and the insert variant of a
// deployment hostname needs the admin role on top.
func (p *Proxy) authorize(w http.ResponseWriter, r *http.Request, target deployments.ResolvedTarget) bool {
	if target.Container.Public() && !target.InsertEnabled {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return false
	}
	claims, err := tokens.DecodeAPIToken(token, p.secret, true)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	if target.InsertEnabled && claims.Role != tokens.RoleAdmin {
		http.Error(w, "admin role required", http.StatusForbidden)
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token, true
		}
		return "", false
	}
	if cookie, err := r.Cookie("prezel_token"); err == nil {
		return cookie.Value, true
	}
	return "", false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
