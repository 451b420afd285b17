package ping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrSyncTimeout is returned by WaitUntilSynced when merges are still pending
// when the bound expires.
var ErrSyncTimeout = errors.New("timed out waiting for ping results to merge")

// PendingSet tracks batches whose results arrived from the transport layer but
// are not merged into the node table yet.
type PendingSet struct {
	mu      sync.Mutex
	batches map[Token]struct{}
	drained chan struct{} // closed while the set is empty
	gauge   prometheus.Gauge
}

// NewPendingSet creates an empty set reporting its size to gauge, which may
// be nil.
func NewPendingSet(gauge prometheus.Gauge) *PendingSet {
	drained := make(chan struct{})
	close(drained)
	return &PendingSet{
		batches: make(map[Token]struct{}),
		drained: drained,
		gauge:   gauge,
	}
}

// Add marks a batch's results as arrived but unmerged.
func (p *PendingSet) Add(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.batches) == 0 {
		p.drained = make(chan struct{})
	}
	p.batches[tok] = struct{}{}
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.batches)))
	}
}

// Done marks a batch as merged. Unknown tokens are ignored.
func (p *PendingSet) Done(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.batches[tok]; !ok {
		return
	}
	delete(p.batches, tok)
	if len(p.batches) == 0 {
		close(p.drained)
	}
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.batches)))
	}
}

// Len returns the number of unmerged batches.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// Wait blocks until the set is empty or ctx is done. It returns immediately
// when nothing is pending, including when no sweep ever ran.
func (p *PendingSet) Wait(ctx context.Context) error {
	p.mu.Lock()
	drained := p.drained
	n := len(p.batches)
	p.mu.Unlock()

	if n == 0 {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w (%d pending): %w", ErrSyncTimeout, p.Len(), ctx.Err())
	}
}
