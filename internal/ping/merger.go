package ping

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/nodetable"
	"github.com/dreamware/pingd/internal/telemetry"
)

// Transition is a node state change produced by a merge.
type Transition struct {
	At       time.Time
	Name     string
	From     cluster.NodeState
	To       cluster.NodeState
	Failures int
}

// Merger applies probe results to the node table and retires the batch.
type Merger struct {
	table     *nodetable.Table
	counter   *Counter
	pending   *PendingSet
	logger    *zap.Logger
	threshold int
}

// NewMerger creates a merger that marks a node DOWN once it reaches threshold
// consecutive failed probes.
func NewMerger(table *nodetable.Table, counter *Counter, pending *PendingSet, threshold int, logger *zap.Logger) *Merger {
	if threshold < 1 {
		threshold = 1
	}
	return &Merger{
		table:     table,
		counter:   counter,
		pending:   pending,
		threshold: threshold,
		logger:    logger,
	}
}

// Apply merges one batch of results, removes the batch from the pending set
// and ends it on the counter, in that order. It returns the state changes it
// made.
//
// A result older than the last merged probe of the same node is dropped, so
// overlapping batches resolve by probe completion time.
func (m *Merger) Apply(batch Batch, results Results) []Transition {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)

	var transitions []Transition
	for _, name := range names {
		res := results[name]
		telemetry.ProbeOutcomes.WithLabelValues(res.Outcome.String()).Inc()

		var tr *Transition
		err := m.table.UpdateRecord(name, func(r *nodetable.Record) {
			tr = m.applyOne(r, res)
		})
		if errors.Is(err, nodetable.ErrNodeNotFound) {
			m.logger.Debug("dropping result for removed node", zap.String("node", name))
			continue
		}
		if tr != nil {
			transitions = append(transitions, *tr)
		}
	}

	m.pending.Done(batch.Token)
	m.counter.End(batch.Token)
	return transitions
}

func (m *Merger) applyOne(r *nodetable.Record, res Result) *Transition {
	if res.At.Before(r.LastProbe) {
		m.logger.Debug("dropping out-of-order probe result",
			zap.String("node", r.Name),
			zap.Time("result_at", res.At),
			zap.Time("last_probe", r.LastProbe))
		return nil
	}
	r.LastProbe = res.At

	prev := r.State
	switch res.Outcome {
	case Responded:
		r.ConsecutiveFails = 0
		r.LastContact = res.At
		r.State = cluster.StateUp
	default:
		r.ConsecutiveFails++
		if r.ConsecutiveFails >= m.threshold {
			r.State = cluster.StateDown
		}
		m.logger.Debug("probe failed",
			zap.String("node", r.Name),
			zap.Stringer("outcome", res.Outcome),
			zap.Int("attempt", r.ConsecutiveFails),
			zap.Int("threshold", m.threshold))
	}

	if r.State == prev {
		return nil
	}
	telemetry.StateTransitions.WithLabelValues(string(r.State)).Inc()
	m.logger.Info("node state changed",
		zap.String("node", r.Name),
		zap.String("from", string(prev)),
		zap.String("to", string(r.State)),
		zap.Int("consecutive_fails", r.ConsecutiveFails))
	return &Transition{At: res.At, Name: r.Name, From: prev, To: r.State, Failures: r.ConsecutiveFails}
}
