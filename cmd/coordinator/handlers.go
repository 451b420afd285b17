package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/coordinator"
	"github.com/dreamware/pingd/internal/nodetable"
	"github.com/dreamware/pingd/internal/ping"
	"github.com/dreamware/pingd/internal/telemetry"
)

type server struct {
	table       *nodetable.Table
	pinger      *ping.Coordinator
	sched       *coordinator.Scheduler
	clock       clockwork.Clock
	log         *zap.Logger
	syncTimeout time.Duration
}

func newServer(table *nodetable.Table, pinger *ping.Coordinator, sched *coordinator.Scheduler, clock clockwork.Clock, syncTimeout time.Duration, log *zap.Logger) *server {
	return &server{
		table:       table,
		pinger:      pinger,
		sched:       sched,
		clock:       clock,
		log:         log.With(zap.String("component", "api")),
		syncTimeout: syncTimeout,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}
	handle("/register", "register", s.handleRegister)
	handle("/nodes", "nodes", s.handleListNodes)
	handle("/ping", "ping", s.handlePing)
	handle("/ping/status", "ping_status", s.handlePingStatus)
	handle("/sync", "sync", s.handleSync)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// register adds or refreshes a node and probes it right away. It serves both
// HTTP registrations and registrations observed in etcd.
func (s *server) register(info cluster.NodeInfo) {
	isNew := s.table.Register(info, s.clock.Now())
	s.log.Info("node registered",
		zap.String("node", info.ID),
		zap.String("addr", info.Addr),
		zap.Bool("new", isNew))
	s.sched.NotifyRegistration(info.ID)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	s.register(req.Node)
	w.WriteHeader(http.StatusNoContent)
}

// handleListNodes returns the node table, optionally filtered with ?state=.
func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.table.Snapshot()
	if want := cluster.NodeState(r.URL.Query().Get("state")); want != "" {
		snap = slices.DeleteFunc(snap, func(rec nodetable.Record) bool { return rec.State != want })
	}

	nodes := make([]cluster.NodeStatus, 0, len(snap))
	for _, rec := range snap {
		nodes = append(nodes, rec.Status())
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeStatus `json:"nodes"`
	}{Nodes: nodes})
}

// handlePing starts an admin sweep. With one or more ?node= parameters only
// those nodes are probed.
func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		batches int
		err     error
	)
	if names := r.URL.Query()["node"]; len(names) > 0 {
		batches, err = s.pinger.TriggerNodes(ping.TriggerAdmin, names)
	} else {
		batches, err = s.pinger.TriggerSweep(ping.TriggerAdmin)
	}
	if errors.Is(err, ping.ErrUnavailable) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, cluster.TriggerResponse{Batches: batches})
}

func (s *server) handlePingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, cluster.PingStatus{
		Done:          s.pinger.IsDone(),
		Outstanding:   s.pinger.Outstanding(),
		PendingMerges: s.pinger.PendingMerges(),
	})
}

// handleSync blocks until every result already received is merged, bounded
// by ?timeout= or the configured default.
func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	timeout := s.syncTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	if err := s.pinger.WaitUntilSynced(timeout); err != nil {
		if errors.Is(err, ping.ErrSyncTimeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
