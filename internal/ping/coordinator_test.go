package ping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/nodetable"
)

// manualDispatcher records dispatched batches and lets the test decide when
// each one completes.
type manualDispatcher struct {
	mu      sync.Mutex
	batches []Batch
	done    []CompletionFunc
}

func (d *manualDispatcher) Dispatch(batch Batch, onComplete CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, batch)
	d.done = append(d.done, onComplete)
}

func (d *manualDispatcher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// complete resolves batch i with the same outcome for every node.
func (d *manualDispatcher) complete(i int, outcome Outcome, at time.Time) {
	d.mu.Lock()
	batch, fn := d.batches[i], d.done[i]
	d.mu.Unlock()

	results := make(Results, len(batch.Nodes))
	for _, n := range batch.Nodes {
		results[n] = Result{Outcome: outcome, At: at}
	}
	fn(batch, results)
}

type readiness struct {
	mu  sync.Mutex
	err error
}

func (r *readiness) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type fixture struct {
	table *nodetable.Table
	disp  *manualDispatcher
	dep   *readiness
	clk   *clockwork.FakeClock
	coord *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		table: nodetable.New(),
		disp:  &manualDispatcher{},
		dep:   &readiness{},
		clk:   clockwork.NewFakeClockAt(now),
	}
	f.coord = New(cfg, f.table, f.disp, f.dep, f.clk, zap.NewNop())
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func (f *fixture) addNodes(prefix string, n int, state cluster.NodeState) {
	for i := 0; i < n; i++ {
		f.table.Add(nodetable.Record{Name: fmt.Sprintf("%s%d", prefix, i), State: state})
	}
}

// TestConcurrentTriggersScenario runs two overlapping sweeps of five nodes each
// and checks the counter drains one batch at a time.
func TestConcurrentTriggersScenario(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 5, FailureThreshold: 3})
	f.run(t)

	f.addNodes("n", 5, cluster.StateUnknown)

	var wg sync.WaitGroup
	for _, trigger := range []Trigger{TriggerPeriodic, TriggerRegistration} {
		wg.Add(1)
		go func(trigger Trigger) {
			defer wg.Done()
			n, err := f.coord.TriggerSweep(trigger)
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}(trigger)
	}
	wg.Wait()
	require.Equal(t, 2, f.disp.len())

	assert.Equal(t, 2, f.coord.Outstanding())
	assert.False(t, f.coord.IsDone(), "IsDone is false while sweeps overlap")

	// The batch leaves the pending set just before its counter End, so the
	// counter is observed with Eventually.
	f.disp.complete(0, Responded, now)
	require.NoError(t, f.coord.WaitUntilSynced(time.Second))
	require.Eventually(t, func() bool { return f.coord.Outstanding() == 1 }, time.Second, time.Millisecond)
	assert.False(t, f.coord.IsDone())

	f.disp.complete(1, Responded, now)
	require.NoError(t, f.coord.WaitUntilSynced(time.Second))
	require.Eventually(t, f.coord.IsDone, time.Second, time.Millisecond)
	assert.Equal(t, 0, f.coord.Outstanding())

	for _, rec := range f.table.Snapshot() {
		assert.Equal(t, cluster.StateUp, rec.State, rec.Name)
	}
}

// TestTriggerWhileBusyStillDispatches checks a sweep is not suppressed just
// because another one is outstanding.
func TestTriggerWhileBusyStillDispatches(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 3})
	f.run(t)
	f.addNodes("n", 3, cluster.StateUnknown)

	_, err := f.coord.TriggerSweep(TriggerPeriodic)
	require.NoError(t, err)
	require.False(t, f.coord.IsDone())

	_, err = f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, 2, f.disp.len())
	assert.GreaterOrEqual(t, f.coord.Outstanding(), 2)

	f.disp.complete(0, Responded, now)
	f.disp.complete(1, Responded, now)
	require.Eventually(t, f.coord.IsDone, time.Second, 5*time.Millisecond)
}

func TestTriggerSweepBatching(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 4, FailureThreshold: 3})
	f.addNodes("n", 10, cluster.StateUnknown)

	n, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.coord.Outstanding())

	seen := map[string]bool{}
	for _, b := range f.disp.batches {
		assert.LessOrEqual(t, len(b.Nodes), 4)
		assert.Equal(t, TriggerAdmin, b.Trigger)
		assert.Equal(t, now, b.Created)
		assert.False(t, f.coord.IsBatchDone(b.Token))
		for _, name := range b.Nodes {
			assert.False(t, seen[name], "node %s dispatched twice", name)
			seen[name] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestTriggerSweepNothingToDo(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 4, FailureThreshold: 3})
	f.table.Add(nodetable.Record{Name: "fresh", State: cluster.StateUp, LastContact: now})

	n, err := f.coord.TriggerSweep(TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, f.coord.IsDone())
	assert.NoError(t, f.coord.WaitUntilSynced(time.Millisecond), "no sweep means nothing to wait for")
}

func TestTriggerSweepStaleness(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 4, FailureThreshold: 3})
	f.table.Add(nodetable.Record{Name: "n1", State: cluster.StateUp, LastContact: now})

	n, _ := f.coord.TriggerSweep(TriggerPeriodic)
	assert.Equal(t, 0, n)

	f.clk.Advance(61 * time.Second)
	n, _ = f.coord.TriggerSweep(TriggerPeriodic)
	assert.Equal(t, 1, n)
}

func TestTriggerUnavailable(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 4, FailureThreshold: 3})
	f.addNodes("n", 2, cluster.StateUnknown)
	f.dep.err = errors.New("auth plugin not initialized")

	_, err := f.coord.TriggerSweep(TriggerPeriodic)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "auth plugin")

	_, err = f.coord.TriggerNodes(TriggerRegistration, []string{"n0"})
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, 0, f.disp.len(), "no probes while unavailable")
	assert.True(t, f.coord.IsDone())
}

func TestTriggerNodesFiltersUnknownNames(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 3})
	f.table.Add(nodetable.Record{Name: "n1", State: cluster.StateUp, LastContact: now})

	n, err := f.coord.TriggerNodes(TriggerRegistration, []string{"n1", "ghost", "n1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"n1"}, f.disp.batches[0].Nodes, "fresh nodes are probed when targeted")
}

func TestWaitUntilSyncedTimeout(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 3})
	f.addNodes("n", 1, cluster.StateUnknown)
	_, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)

	// Merge loop not running: results arrive but stay pending.
	f.disp.complete(0, Responded, now)
	assert.Equal(t, 1, f.coord.PendingMerges())

	err = f.coord.WaitUntilSynced(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrSyncTimeout)

	f.run(t)
	require.NoError(t, f.coord.WaitUntilSynced(time.Second))
	assert.Equal(t, 0, f.coord.PendingMerges())
	require.Eventually(t, f.coord.IsDone, time.Second, time.Millisecond)
}

// TestEventualSync completes many overlapping batches from many goroutines and
// checks the barrier always returns once they are merged.
func TestEventualSync(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 3, FailureThreshold: 2})
	f.run(t)
	f.addNodes("n", 30, cluster.StateUnknown)

	for i := 0; i < 4; i++ {
		_, err := f.coord.TriggerSweep(TriggerPeriodic)
		require.NoError(t, err)
	}
	total := f.disp.len()
	require.Equal(t, 40, total)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := Responded
			if i%2 == 0 {
				outcome = Failed
			}
			f.disp.complete(i, outcome, now.Add(time.Duration(i)*time.Millisecond))
		}(i)
	}
	wg.Wait()

	require.NoError(t, f.coord.WaitUntilSynced(5*time.Second))
	assert.Equal(t, 0, f.coord.PendingMerges())
	require.Eventually(t, f.coord.IsDone, time.Second, 5*time.Millisecond)
}

func TestOnTransition(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 1})
	f.run(t)
	f.addNodes("n", 2, cluster.StateUnknown)

	var mu sync.Mutex
	got := map[string]cluster.NodeState{}
	f.coord.OnTransition(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		got[tr.Name] = tr.To
	})

	_, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)

	batch := f.disp.batches[0]
	f.disp.done[0](batch, Results{
		"n0": {Outcome: Responded, At: now},
		"n1": {Outcome: TimedOut, At: now},
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["n0"] == cluster.StateUp && got["n1"] == cluster.StateDown
	}, time.Second, 5*time.Millisecond)
}

// TestOnTransitionPreservesOrder gives the observer a slow path for UP so a
// later DOWN would overtake it if deliveries were concurrent.
func TestOnTransitionPreservesOrder(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 1})
	f.run(t)
	f.addNodes("n", 1, cluster.StateUnknown)

	var mu sync.Mutex
	var seen []cluster.NodeState
	mirror := cluster.StateUnknown
	f.coord.OnTransition(func(tr Transition) {
		if tr.To == cluster.StateUp {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.To)
		mirror = tr.To
	})

	_, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)
	f.disp.complete(0, Responded, now)
	tok := f.disp.batches[0].Token
	require.Eventually(t, func() bool { return f.coord.IsBatchDone(tok) }, time.Second, time.Millisecond)

	_, err = f.coord.TriggerNodes(TriggerAdmin, []string{"n0"})
	require.NoError(t, err)
	require.Equal(t, 2, f.disp.len())
	f.disp.complete(1, Failed, now.Add(time.Second))
	require.NoError(t, f.coord.WaitUntilSynced(time.Second))

	rec, ok := f.table.Get("n0")
	require.True(t, ok)
	require.Equal(t, cluster.StateDown, rec.State)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []cluster.NodeState{cluster.StateUp, cluster.StateDown}, seen)
	assert.Equal(t, rec.State, mirror)
}

// TestTransitionsDeliveredOnStop checks that transitions queued when Run
// returns still reach observers before it returns.
func TestTransitionsDeliveredOnStop(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 1})
	f.addNodes("n", 3, cluster.StateUnknown)

	var mu sync.Mutex
	var seen []string
	f.coord.OnTransition(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.Name)
	})

	_, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)
	f.disp.complete(0, Responded, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.coord.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n0", "n1", "n2"}, seen)
}

func TestRunTwiceFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t)
	require.Eventually(t, f.coord.running.Load, time.Second, time.Millisecond)
	assert.Error(t, f.coord.Run(context.Background()))
}

func TestCompletionAfterStopIsMergedInline(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 3})
	f.addNodes("n", 1, cluster.StateUnknown)
	_, err := f.coord.TriggerSweep(TriggerAdmin)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.coord.Run(ctx))

	f.disp.complete(0, Responded, now)
	assert.True(t, f.coord.IsDone())
	rec, _ := f.table.Get("n0")
	assert.Equal(t, cluster.StateUp, rec.State)
}
