// Command coordinator runs the pingd coordinator: it owns the node table,
// probes node agents in liveness sweeps and serves the cluster API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pingd/internal/agent"
	"github.com/dreamware/pingd/internal/config"
	"github.com/dreamware/pingd/internal/coordinator"
	"github.com/dreamware/pingd/internal/discovery"
	"github.com/dreamware/pingd/internal/logger"
	"github.com/dreamware/pingd/internal/nodetable"
	"github.com/dreamware/pingd/internal/ping"
	"github.com/dreamware/pingd/internal/security"
	"github.com/dreamware/pingd/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Liveness ping coordinator for pingd node agents",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.NewCoordinator()
			if err := config.Load(cmd.Flags(), &cfg); err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, log); err != nil {
				log.Error("coordinator failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.BindCoordinatorFlags(cmd.Flags(), config.NewCoordinator())
	return cmd
}

// app is the wired coordinator, built by newApp and started by serve.
type app struct {
	cfg    config.Coordinator
	log    *zap.Logger
	chain  *security.Chain
	table  *nodetable.Table
	pinger *ping.Coordinator
	sched  *coordinator.Scheduler
	srv    *server
}

// newApp initializes the security plugins and builds every component. A
// plugin that fails to initialize aborts startup.
func newApp(ctx context.Context, cfg config.Coordinator, clock clockwork.Clock, log *zap.Logger) (*app, error) {
	auth := security.NewTokenAuth(cfg.AuthTokenFile)
	tlsPlugin := security.NewTLS(cfg.CAFile)
	chain := security.NewChain(log, auth, tlsPlugin)
	if err := chain.Init(ctx); err != nil {
		return nil, err
	}

	table := nodetable.New()
	if cfg.Inventory != "" {
		n, err := table.LoadInventory(cfg.Inventory)
		if err != nil {
			_ = chain.Fini()
			return nil, err
		}
		log.Info("inventory loaded", zap.String("file", cfg.Inventory), zap.Int("nodes", n))
	}

	dispatcher := agent.NewHTTPDispatcher(table.Addr, agent.Options{
		TLSConfig:   tlsPlugin.Config(),
		Token:       auth.Token,
		Timeout:     cfg.ProbeTimeout,
		Concurrency: cfg.ProbeConcurrency,
	}, clock, log)

	pinger := ping.New(ping.Config{
		StaleAfter:       cfg.StaleAfter,
		SlowThreshold:    cfg.SlowThreshold,
		BatchSize:        cfg.BatchSize,
		FailureThreshold: cfg.FailureThreshold,
		Gauges:           telemetry.PingGauges(),
	}, table, dispatcher, chain, clock, log)

	sched := coordinator.NewScheduler(pinger, cfg.PingInterval, clock, log)

	return &app{
		cfg:    cfg,
		log:    log,
		chain:  chain,
		table:  table,
		pinger: pinger,
		sched:  sched,
		srv:    newServer(table, pinger, sched, clock, cfg.SyncTimeout, log),
	}, nil
}

func run(ctx context.Context, cfg config.Coordinator, log *zap.Logger) error {
	telemetry.SetBuildInfo(version)

	a, err := newApp(ctx, cfg, clockwork.NewRealClock(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.chain.Fini(); err != nil {
			log.Warn("security fini", zap.Error(err))
		}
	}()
	return a.serve(ctx)
}

// serve runs the merge loop, the scheduler, the optional etcd integration and
// the HTTP server until ctx is done or one of them fails.
func (a *app) serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var cli *clientv3.Client
	if a.cfg.Etcd.Enabled() {
		var err error
		if cli, err = discovery.NewClient(a.cfg.Etcd.Endpoints, a.cfg.Etcd.DialTimeout); err != nil {
			return err
		}
		defer cli.Close()
		pub := discovery.NewStatePublisher(cli, a.cfg.Etcd.Prefix, a.cfg.Etcd.DialTimeout, a.log)
		a.pinger.OnTransition(pub.Publish)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pinger.Run(gctx) })
	g.Go(func() error {
		a.sched.Start(gctx)
		return nil
	})
	if cli != nil {
		g.Go(func() error {
			err := discovery.WatchRegistrations(gctx, cli, cli, a.cfg.Etcd.Prefix, a.srv.register, a.log)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		a.log.Info("coordinator listening", zap.String("addr", a.cfg.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.log.Info("coordinator stopped", zap.Int("outstanding", a.pinger.Outstanding()))
	return err
}
