package ping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pingd/internal/nodetable"
	"github.com/dreamware/pingd/internal/telemetry"
)

// ErrUnavailable is returned by the trigger methods while the transport or
// security dependencies are not ready. No probes are dispatched in that case.
var ErrUnavailable = errors.New("ping coordinator unavailable")

// Dependency reports whether the subsystems probes rely on are usable.
type Dependency interface {
	Ready() error
}

// Config tunes the ping cycle.
type Config struct {
	StaleAfter       time.Duration // a node not heard from for longer is re-probed
	SlowThreshold    time.Duration // merges or dispatches slower than this are logged
	BatchSize        int           // max nodes per batch handed to the dispatcher
	FailureThreshold int           // consecutive failures before a node is DOWN

	Gauges telemetry.Gauges // outstanding and pending gauges, zero value reports nothing
}

type mergeJob struct {
	batch   Batch
	results Results
}

// Coordinator runs liveness sweeps against the node table.
//
// Any number of triggers may start sweeps concurrently. Transport completions
// arrive on arbitrary goroutines and are handed to a single merge loop, which
// is the only writer of probe results into the node table.
type Coordinator struct {
	cfg        Config
	table      *nodetable.Table
	dispatcher Dispatcher
	dep        Dependency
	clock      clockwork.Clock
	logger     *zap.Logger

	counter *Counter
	pending *PendingSet
	merger  *Merger

	queueMu sync.Mutex
	queue   []mergeJob
	stopped bool
	wake    chan struct{}
	running atomic.Bool

	notify *notifier
}

// New creates a coordinator. Call Run to start the merge loop.
func New(cfg Config, table *nodetable.Table, dispatcher Dispatcher, dep Dependency, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	logger = logger.With(zap.String("component", "ping"))
	counter := NewCounter(cfg.Gauges.Outstanding)
	pending := NewPendingSet(cfg.Gauges.Pending)

	return &Coordinator{
		cfg:        cfg,
		table:      table,
		dispatcher: dispatcher,
		dep:        dep,
		clock:      clock,
		logger:     logger,
		counter:    counter,
		pending:    pending,
		merger:     NewMerger(table, counter, pending, cfg.FailureThreshold, logger),
		wake:       make(chan struct{}, 1),
		notify:     newNotifier(),
	}
}

// OnTransition registers an observer of node state changes. Observers are
// called one at a time on a goroutine owned by Run, in merge order, so the
// last transition an observer sees for a node is its current state. A slow
// observer delays the ones after it but never the merge loop.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.notify.subscribe(fn)
}

// Run merges completed batches until ctx is done, then merges whatever is
// still queued and returns. Completions arriving after Run returned are merged
// on the caller's goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("ping coordinator already running")
	}
	c.logger.Info("merge loop started")

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notified := make(chan struct{})
	go func() {
		defer close(notified)
		c.notify.run(notifyCtx)
	}()

	for {
		select {
		case <-c.wake:
			for _, job := range c.takeQueue(false) {
				c.merge(job)
			}
		case <-ctx.Done():
			for _, job := range c.takeQueue(true) {
				c.merge(job)
			}
			stopNotify()
			<-notified
			c.logger.Info("merge loop stopped", zap.Int("outstanding", c.counter.Outstanding()))
			return nil
		}
	}
}

func (c *Coordinator) takeQueue(stop bool) []mergeJob {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	jobs := c.queue
	c.queue = nil
	if stop {
		c.stopped = true
	}
	return jobs
}

// TriggerSweep selects every node needing a probe and dispatches it in
// bounded batches. It never blocks on the probes and may overlap with other
// sweeps. It returns the number of batches dispatched.
func (c *Coordinator) TriggerSweep(trigger Trigger) (int, error) {
	if err := c.dep.Ready(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	now := c.clock.Now()
	names := SelectCandidates(c.table.Snapshot(), now, c.cfg.StaleAfter)
	return c.dispatch(trigger, names, now), nil
}

// TriggerNodes dispatches a sweep restricted to the named nodes, e.g. nodes
// that just registered. Names not in the table are skipped.
func (c *Coordinator) TriggerNodes(trigger Trigger, names []string) (int, error) {
	if err := c.dep.Ready(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	targets := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := c.table.Get(name); ok {
			targets = append(targets, name)
		}
	}
	slices.Sort(targets)
	targets = slices.Compact(targets)
	return c.dispatch(trigger, targets, c.clock.Now()), nil
}

func (c *Coordinator) dispatch(trigger Trigger, names []string, now time.Time) int {
	if len(names) == 0 {
		c.logger.Debug("no nodes need a probe", zap.String("trigger", string(trigger)))
		return 0
	}
	telemetry.SweepsTotal.WithLabelValues(string(trigger)).Inc()

	start := c.clock.Now()
	batches := Partition(names, c.cfg.BatchSize)
	for _, nodes := range batches {
		batch := Batch{
			Token:   c.counter.Begin(),
			Nodes:   nodes,
			Created: now,
			Trigger: trigger,
		}
		telemetry.BatchesTotal.WithLabelValues(string(trigger)).Inc()
		c.dispatcher.Dispatch(batch, c.complete)
	}
	c.warnIfSlow("dispatch", start)

	c.logger.Info("sweep dispatched",
		zap.String("trigger", string(trigger)),
		zap.Int("nodes", len(names)),
		zap.Int("batches", len(batches)),
		zap.Int("outstanding", c.counter.Outstanding()))
	return len(batches)
}

// complete is the CompletionFunc handed to the dispatcher.
func (c *Coordinator) complete(batch Batch, results Results) {
	c.pending.Add(batch.Token)
	job := mergeJob{batch: batch, results: results}

	c.queueMu.Lock()
	if c.stopped {
		c.queueMu.Unlock()
		c.merge(job)
		return
	}
	c.queue = append(c.queue, job)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) merge(job mergeJob) {
	start := c.clock.Now()
	transitions := c.merger.Apply(job.batch, job.results)
	telemetry.MergeDuration.Observe(c.clock.Since(start).Seconds())
	c.warnIfSlow("merge", start)

	c.notify.publish(transitions)
}

func (c *Coordinator) warnIfSlow(op string, start time.Time) {
	if c.cfg.SlowThreshold <= 0 {
		return
	}
	if elapsed := c.clock.Since(start); elapsed > c.cfg.SlowThreshold {
		c.logger.Warn("very large processing time",
			zap.String("op", op),
			zap.Duration("elapsed", elapsed),
			zap.Duration("limit", c.cfg.SlowThreshold))
	}
}

// IsDone reports whether no batch is outstanding. Callers that need to read
// node state consistently should use WaitUntilSynced instead.
func (c *Coordinator) IsDone() bool {
	return c.counter.IsDone()
}

// IsBatchDone reports whether one specific batch has been merged.
func (c *Coordinator) IsBatchDone(tok Token) bool {
	return c.counter.IsBatchDone(tok)
}

// Outstanding returns the number of batches dispatched but not merged.
func (c *Coordinator) Outstanding() int {
	return c.counter.Outstanding()
}

// PendingMerges returns the number of batches with results waiting to be merged.
func (c *Coordinator) PendingMerges() int {
	return c.pending.Len()
}

// WaitUntilSynced blocks until every batch whose results already arrived has
// been merged into the node table, or until timeout passes.
func (c *Coordinator) WaitUntilSynced(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WaitUntilSyncedContext(ctx)
}

// WaitUntilSyncedContext is WaitUntilSynced bounded by ctx.
func (c *Coordinator) WaitUntilSyncedContext(ctx context.Context) error {
	return c.pending.Wait(ctx)
}
