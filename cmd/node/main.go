// Package main implements the pingd node agent, the process the coordinator
// probes to decide whether a compute node is alive.
//
// The agent is responsible for:
//   - Answering liveness probes on /health
//   - Rejecting probes that lack the cluster bearer token, when one is set
//   - Registering with the coordinator, retrying with backoff
//   - Optionally registering itself in etcd under a leased key
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Node agent                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Liveness probe       │
//	│    /info         - Node information     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Node          - Runtime state        │
//	│    TokenAuth     - Probe authentication │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	node --id node-1 --listen :8081 \
//	  --addr http://10.0.0.5:8081 \
//	  --coordinator http://10.0.0.1:8080 \
//	  --auth-token-file /etc/pingd/token
//
// Every flag can also be set as PINGD_<FLAG> in the environment or in the
// YAML file given with --config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/config"
	"github.com/dreamware/pingd/internal/discovery"
	"github.com/dreamware/pingd/internal/logger"
	"github.com/dreamware/pingd/internal/security"
)

var version = "dev"

// Node is the runtime state of one agent.
//
// Concurrency model:
//   - Probe handlers run concurrently and only touch atomic counters
//   - The registration goroutine flips registered once it succeeds
type Node struct {
	// started is when the agent began serving.
	started time.Time

	// auth verifies the bearer token of incoming probes.
	auth *security.TokenAuth

	// ID uniquely identifies this node in the cluster.
	ID string

	// Addr is the URL the coordinator probes.
	Addr string

	// probes counts accepted liveness probes.
	probes atomic.Int64

	// rejected counts probes refused for a missing or wrong token.
	rejected atomic.Int64

	// registered is set once the coordinator accepted the registration.
	registered atomic.Bool
}

// NewNode creates an agent. auth may hold no token, in which case every probe
// is accepted.
func NewNode(id, addr string, auth *security.TokenAuth) *Node {
	return &Node{
		started: time.Now(),
		auth:    auth,
		ID:      id,
		Addr:    addr,
	}
}

// Info is the body of /info.
type Info struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Probes     int64  `json:"probes"`
	Rejected   int64  `json:"rejected"`
	Registered bool   `json:"registered"`
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", n.handleHealth)
	mux.HandleFunc("/info", n.handleInfo)
	return mux
}

// handleHealth answers a liveness probe.
func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !n.auth.Authorize(r) {
		n.rejected.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	n.probes.Inc()
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Info{
		ID:         n.ID,
		Addr:       n.Addr,
		Version:    version,
		Uptime:     time.Since(n.started).Round(time.Second).String(),
		Probes:     n.probes.Load(),
		Rejected:   n.rejected.Load(),
		Registered: n.registered.Load(),
	})
}

// register announces the node to the coordinator, logging each failed
// attempt, and gives up after timeout.
func (n *Node) register(ctx context.Context, coordURL string, timeout time.Duration, log *zap.Logger) error {
	info := cluster.NodeInfo{ID: n.ID, Addr: n.Addr}
	notify := func(err error, next time.Duration) {
		log.Warn("registration failed, retrying",
			zap.String("coordinator", coordURL),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}
	if err := cluster.Register(ctx, coordURL, info, timeout, notify); err != nil {
		return err
	}
	n.registered.Store(true)
	log.Info("registered with coordinator", zap.String("coordinator", coordURL))
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "node",
		Short:        "pingd node agent",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.NewNode()
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
				log.Error("node agent failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.BindNodeFlags(cmd.Flags(), config.NewNode())
	return cmd
}

func run(ctx context.Context, cfg config.Node, log *zap.Logger) error {
	log = log.With(zap.String("node", cfg.ID))

	auth := security.NewTokenAuth(cfg.AuthTokenFile)
	chain := security.NewChain(log, auth)
	if err := chain.Init(ctx); err != nil {
		return err
	}
	defer func() { _ = chain.Fini() }()

	node := NewNode(cfg.ID, cfg.Addr, auth)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("node agent listening", zap.String("addr", cfg.Listen))
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
	g.Go(func() error {
		err := node.register(gctx, cfg.Coordinator, cfg.RegisterTimeout, log)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.Etcd.Enabled() {
		cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			log.Error("etcd unavailable, relying on HTTP registration", zap.Error(err))
		} else {
			defer cli.Close()
			info := cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Addr}
			if _, err := discovery.RegisterNode(gctx, cli, cli, cfg.Etcd.Prefix, info, cfg.LeaseTTL, log); err != nil {
				log.Error("etcd registration failed", zap.Error(err))
			}
		}
	}

	err := g.Wait()
	log.Info("node agent stopped", zap.Int64("probes", node.probes.Load()))
	return err
}
