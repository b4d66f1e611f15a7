package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/api"
	"github.com/cuemby/dnsmgmt/pkg/config"
	"github.com/cuemby/dnsmgmt/pkg/directory"
	dnsview "github.com/cuemby/dnsmgmt/pkg/dns"
	"github.com/cuemby/dnsmgmt/pkg/dnsclient"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/health"
	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/cuemby/dnsmgmt/pkg/reconciler"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/cuemby/dnsmgmt/pkg/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dnsmgmt daemon",
	Long: `Run the dnsmgmt daemon.

Settings are read from --config (YAML), then DNSMGMT_* environment
variables. Remote DNS updates are only sent with environment: production.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	logger.Info().
		Str("version", Version).
		Str("environment", cfg.Environment).
		Str("data_dir", cfg.DataDir).
		Str("api_addr", cfg.APIAddr).
		Bool("api_tls", cfg.APITLS).
		Msg("starting dnsmgmt")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	dir := directory.New(store, store, cfg.Directory.Role, cfg.Directory.ServersAttribute)
	updater, err := dnsclient.New(dir, cfg.DNSClientConfig())
	if err != nil {
		return fmt.Errorf("failed to create dns client: %v", err)
	}
	if !updater.Production() {
		logger.Warn().Msg("not in production, remote DNS updates are disabled")
	}
	if cert, err := security.LoadKeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile); err == nil && security.CertNeedsRotation(cert.Leaf) {
		logger.Warn().
			Str("cert", cfg.TLS.CertFile).
			Time("not_after", cert.Leaf.NotAfter).
			Msg("certificate expires within 30 days, rotate it")
	}

	rec := reconciler.NewReconciler(store, updater, store, broker, cfg.ReconcilerConfig())

	tlsCfg, err := cfg.APIServerTLS()
	if err != nil {
		return fmt.Errorf("failed to load API TLS config: %v", err)
	}
	apiServer := api.NewServer(store, rec, broker, tlsCfg)
	healthServer := api.NewHealthServer()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signalContext()
	defer stop()

	if err := startup(ctx, cfg, store, dir, rec); err != nil {
		logger.Warn().Err(err).Msg("initial reconcile incomplete, pending entries will be retried")
	}
	rec.Start(ctx)
	defer rec.Stop()

	if cfg.Probe.Interval > 0 {
		factory := health.NewCheckerFactory(updater.HTTPClient(), cfg.Probe.Timeout)
		monitor := health.NewMonitor(dir, factory, cfg.ProbeMonitorConfig())
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	if cfg.DNSView.ListenAddr != "" {
		view := dnsview.NewServer(store, cfg.DNSViewServerConfig())
		if err := view.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = view.Stop() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	lis, err := api.Listen(cfg.APIAddr)
	if err != nil {
		return err
	}
	g.Go(func() error { return apiServer.Serve(lis) })

	if cfg.LocalSocket != "" {
		local, err := api.Listen(cfg.LocalSocket)
		if err != nil {
			apiServer.Stop()
			return err
		}
		g.Go(func() error { return apiServer.ServeLocal(local) })
	}

	if cfg.HealthAddr != "" {
		g.Go(func() error { return healthServer.Start(cfg.HealthAddr) })
		logger.Info().Str("addr", cfg.HealthAddr).Msg("health endpoints listening")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		apiServer.Stop()
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// startup loads the filters file, probes the directory and runs the first
// full resync
func startup(ctx context.Context, cfg *config.Config, store storage.Store, dir *directory.Directory, rec *reconciler.Reconciler) error {
	logger := log.WithComponent("serve")

	if cfg.FiltersFile != "" {
		filters, err := config.LoadFilters(cfg.FiltersFile)
		if err != nil {
			return err
		}
		for _, f := range filters {
			if err := store.PutFilter(f); err != nil {
				return fmt.Errorf("failed to store filter %s: %w", f.ID, err)
			}
		}
		logger.Info().Int("filters", len(filters)).Str("file", cfg.FiltersFile).Msg("filters loaded")
	}

	endpoints, err := dir.List(ctx)
	switch {
	case err != nil:
		metrics.UpdateComponent(metrics.ComponentDirectory, false, err.Error())
	case len(endpoints) == 0:
		metrics.UpdateComponent(metrics.ComponentDirectory, false,
			fmt.Sprintf("no %s published by an active %s instance yet", dir.Attribute(), dir.Role()))
	default:
		logger.Info().
			Str("role", dir.Role()).
			Int("endpoints", len(endpoints)).
			Msg("dns management services found")
		metrics.UpdateComponent(metrics.ComponentDirectory, true, "")
	}

	err = rec.OnActive(ctx)
	metrics.UpdateComponent(metrics.ComponentReconciler, err == nil, errString(err))
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
