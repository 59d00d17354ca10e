package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/edubuddy/internal/auth"
	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/config"
	"github.com/normanking/edubuddy/internal/logging"
	"github.com/normanking/edubuddy/internal/metrics"
	"github.com/normanking/edubuddy/internal/scheduler"
	"github.com/normanking/edubuddy/internal/server"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{events: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	guard := auth.NewAdminGuard(cfg.Auth.AdminTokenHash, logging.Component("auth"))
	if !guard.Enabled() {
		log.Warn().Msg("auth.admin_token_hash is empty, admin API refuses every request")
	}

	srvCfg := server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         version,
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Path
	}
	srvOpts := []server.Option{
		server.WithLogger(logging.Component("server")),
		server.WithAdminGuard(guard),
	}

	var collector *metrics.Collector
	if a.bus != nil {
		observer := bus.NewObserver(a.bus, cfg.Events.ObserverConfig, bus.WithObserverLogger(logging.Component("events")))
		defer observer.Close()
		srvOpts = append(srvOpts, server.WithObserver(observer))

		collector = metrics.NewCollector(a.bus)
		collector.Start()
		defer collector.Stop()
	}

	srv, err := server.New(srvCfg, a.orch, a.admin, srvOpts...)
	if err != nil {
		return err
	}

	var reporter scheduler.Reporter
	if collector != nil {
		dash := metrics.NewDashboard(collector)
		reporter = dash.RenderCompact
	}
	sched, err := scheduler.New(scheduler.Config{
		MaxExperimentAge: cfg.Scheduler.MaxExperimentAge,
		ExpirySpec:       cfg.Scheduler.ExpirySpec,
		ReportSpec:       cfg.Scheduler.ReportSpec,
	}, a.admin, reporter, logging.Component("scheduler"))
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(getConfigPath(), cfg, func(next *config.Config) {
		a.applyConfig(next, log)
		guard.SetHash(next.Auth.AdminTokenHash)
	}, logging.Component("config"))
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := logging.DetachContextWithTimeout(gctx, cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	log.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("edubuddy serving")
	err = g.Wait()
	log.Info().Msg("edubuddy stopped")
	return err
}
