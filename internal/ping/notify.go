package ping

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

// notifier delivers transitions to observers on a single goroutine, in the
// order the merges produced them.
type notifier struct {
	mu        sync.Mutex
	queue     []Transition
	observers []func(Transition)
	stopped   bool
	wake      chan struct{}

	// deliverMu serializes deliveries between the notifier goroutine and
	// callers publishing after it stopped.
	deliverMu sync.Mutex
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) subscribe(fn func(Transition)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, fn)
}

// publish queues transitions for delivery. Once the notifier stopped, they
// are delivered on the caller's goroutine.
func (n *notifier) publish(trs []Transition) {
	if len(trs) == 0 {
		return
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		n.deliverMu.Lock()
		defer n.deliverMu.Unlock()
		n.deliver(trs)
		return
	}
	n.queue = append(n.queue, trs...)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// run delivers queued transitions until ctx is done, then delivers what is
// left and returns.
func (n *notifier) run(ctx context.Context) {
	for {
		select {
		case <-n.wake:
			n.flush(false)
		case <-ctx.Done():
			n.flush(true)
			return
		}
	}
}

func (n *notifier) flush(stop bool) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	trs := n.queue
	n.queue = nil
	if stop {
		n.stopped = true
	}
	n.mu.Unlock()

	n.deliver(trs)
}

func (n *notifier) deliver(trs []Transition) {
	if len(trs) == 0 {
		return
	}
	n.mu.Lock()
	observers := slices.Clone(n.observers)
	n.mu.Unlock()

	for _, tr := range trs {
		for _, fn := range observers {
			fn(tr)
		}
	}
}
