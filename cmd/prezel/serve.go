package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-acme/lego/v4/lego"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prezel/prezel/pkg/api"
	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/deployments"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/metrics"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/proxy"
	"github.com/prezel/prezel/pkg/storage"
)

const metricsAddr = "127.0.0.1:5045"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the platform: proxy, workers and management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, _ := cmd.Flags().GetString("log-level")
		acmeEmail, _ := cmd.Flags().GetString("acme-email")
		acmeURL, _ := cmd.Flags().GetString("acme-url")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
		return serve(acmeEmail, acmeURL)
	},
}

func init() {
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("json-logs", true, "emit logs as JSON")
	serveCmd.Flags().String("acme-email", "", "account email for the certificate authority")
	serveCmd.Flags().String("acme-url", lego.LEDirectoryProduction, "ACME directory URL")
}

func serve(acmeEmail, acmeURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := conf.Read()
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(paths.InstanceDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	runtime, err := docker.NewClient(ctx)
	if err != nil {
		return err
	}
	if err := runtime.EnsureNetwork(ctx); err != nil {
		return err
	}

	solver := certs.NewChallengeSolver()
	acquirer, err := certs.NewACMEAcquirer(acmeEmail, acmeURL, solver)
	if err != nil {
		return fmt.Errorf("failed to set up the ACME client: %w", err)
	}
	projects, err := store.ListProjects()
	if err != nil {
		return err
	}
	var customDomains []string
	for _, p := range projects {
		customDomains = append(customDomains, p.CustomDomains...)
	}
	certStore := certs.NewStore(acquirer, cfg.WildcardDomain(), customDomains)

	gh := github.New(&github.ProviderTokenSource{BaseURL: cfg.Provider})
	manager := deployments.NewManager(cfg, store, gh, runtime, certStore)
	apiServer := api.NewServer(cfg, store, manager, runtime, certStore)
	p := proxy.New(manager, certStore, solver, cfg.Secret, cfg.APIHostname(), apiServer.Handler())

	// loopback listener: metrics plus the same API the proxy serves on its
	// hostname, for management from the box itself without TLS
	localMux := http.NewServeMux()
	localMux.Handle("/metrics", metrics.Handler())
	localMux.Handle("/", apiServer.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: localMux}

	logger := log.WithComponent("serve")
	logger.Info().
		Str("hostname", cfg.Hostname).Str("metrics", metricsAddr).Msg("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { certStore.Run(ctx); return nil })
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error {
		err := metricsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(drainCtx)
	})
	return g.Wait()
}
