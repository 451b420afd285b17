package ping

import (
	"time"
)

// Trigger names what started a sweep.
type Trigger string

const (
	TriggerPeriodic     Trigger = "periodic"
	TriggerAdmin        Trigger = "admin"
	TriggerRegistration Trigger = "registration"
)

// Outcome is the per-node result of one liveness probe.
type Outcome int

const (
	Responded Outcome = iota
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Responded:
		return "responded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "invalid"
	}
}

// Result is one node's probe outcome and the time the probe resolved.
type Result struct {
	At      time.Time
	Outcome Outcome
}

// Results maps node names to their probe result.
type Results map[string]Result

// Batch is a bounded set of nodes dispatched together in one call to the
// transport layer. It lives until its results have been merged.
type Batch struct {
	Created time.Time
	Trigger Trigger
	Nodes   []string
	Token   Token
}

// CompletionFunc receives a batch's results. It must be called exactly once
// per dispatched batch, from any goroutine.
type CompletionFunc func(batch Batch, results Results)

// Dispatcher is the transport boundary: it probes every node of a batch
// asynchronously and reports once all of them resolved. Dispatch must not block
// on the probes themselves.
type Dispatcher interface {
	Dispatch(batch Batch, onComplete CompletionFunc)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(batch Batch, onComplete CompletionFunc)

func (f DispatcherFunc) Dispatch(batch Batch, onComplete CompletionFunc) {
	f(batch, onComplete)
}
