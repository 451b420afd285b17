package ping

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrCounterUnderflow marks an End without a matching Begin. It is a
// coordination bug and is raised with panic.
var ErrCounterUnderflow = errors.New("ping counter underflow")

// Token identifies one Begin/End pair.
type Token uuid.UUID

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// Counter counts ping batches that were dispatched but not merged yet.
// It does not care which trigger started a batch; IsDone answers only
// "is anything outstanding right now".
type Counter struct {
	mu    sync.Mutex
	live  map[Token]struct{}
	gauge prometheus.Gauge
}

// NewCounter creates a counter reporting its value to gauge, which may be nil.
func NewCounter(gauge prometheus.Gauge) *Counter {
	return &Counter{live: make(map[Token]struct{}), gauge: gauge}
}

// Begin records a newly dispatched batch. Concurrent, overlapping calls are
// expected: a periodic sweep and a registration sweep may both be in flight.
func (c *Counter) Begin() Token {
	tok := Token(uuid.New())

	c.mu.Lock()
	c.live[tok] = struct{}{}
	n := len(c.live)
	c.mu.Unlock()

	c.observe(n)
	return tok
}

// End retires the batch started by the matching Begin. Ending a token twice,
// or one that was never begun, panics with ErrCounterUnderflow.
func (c *Counter) End(tok Token) {
	c.mu.Lock()
	if _, ok := c.live[tok]; !ok {
		c.mu.Unlock()
		panic(fmt.Errorf("%w: end of batch %s without matching begin", ErrCounterUnderflow, tok))
	}
	delete(c.live, tok)
	n := len(c.live)
	c.mu.Unlock()

	c.observe(n)
}

// IsDone reports whether no batch was outstanding at the instant of the call.
// It is advisory: a Begin may happen right after it returns true.
func (c *Counter) IsDone() bool {
	return c.Outstanding() == 0
}

// IsBatchDone reports whether the batch identified by tok has been ended.
func (c *Counter) IsBatchDone(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, live := c.live[tok]
	return !live
}

// Outstanding returns the number of batches begun but not ended.
func (c *Counter) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Counter) observe(n int) {
	if c.gauge != nil {
		c.gauge.Set(float64(n))
	}
}
