package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/nodetable"
	"github.com/dreamware/pingd/internal/ping"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "/pingd/nodes/n1", NodeKey("/pingd", "n1"))
	assert.Equal(t, "/pingd/state/n1", StateKey("/pingd/", "n1"))

	tests := []struct {
		key    string
		name   string
		wantOK bool
	}{
		{"/pingd/nodes/n1", "n1", true},
		{"/pingd/nodes/", "", false},
		{"/pingd/nodes/a/b", "", false},
		{"/pingd/state/n1", "", false},
		{"/other/nodes/n1", "", false},
	}
	for _, tt := range tests {
		name, ok := nameFromKey("/pingd", nodesDir, tt.key)
		assert.Equal(t, tt.wantOK, ok, tt.key)
		assert.Equal(t, tt.name, name, tt.key)
	}
}

func TestDecodeNode(t *testing.T) {
	info, ok := decodeNode("/pingd", "/pingd/nodes/n1", []byte(`{"id":"ignored","addr":"http://n1:8081"}`))
	require.True(t, ok)
	assert.Equal(t, cluster.NodeInfo{ID: "n1", Addr: "http://n1:8081"}, info)

	info, ok = decodeNode("/pingd", "/pingd/nodes/n2", []byte("n2:8081"))
	require.True(t, ok)
	assert.Equal(t, "n2:8081", info.Addr)

	_, ok = decodeNode("/pingd", "/pingd/nodes/n3", []byte("{not json"))
	assert.False(t, ok)
	_, ok = decodeNode("/pingd", "/pingd/nodes/n4", nil)
	assert.False(t, ok)
}

func TestRegisterNode(t *testing.T) {
	kv := newFakeKV()
	lease := &fakeLease{keepalive: make(chan *clientv3.LeaseKeepAliveResponse)}
	defer close(lease.keepalive)

	node := cluster.NodeInfo{ID: "n1", Addr: "http://n1:8081"}
	id, err := RegisterNode(context.Background(), kv, lease, "/pingd", node, 10*time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
	assert.EqualValues(t, 10, lease.grantedTTL)

	raw, ok := kv.value("/pingd/nodes/n1")
	require.True(t, ok)
	var stored cluster.NodeInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, node, stored)
}

func TestRegisterNodeGrantFails(t *testing.T) {
	lease := &fakeLease{grantErr: errors.New("etcdserver: no leader")}
	_, err := RegisterNode(context.Background(), newFakeKV(), lease, "/pingd",
		cluster.NodeInfo{ID: "n1", Addr: "a"}, 10*time.Second, zap.NewNop())
	assert.ErrorContains(t, err, "granting lease")
}

func TestWatchRegistrations(t *testing.T) {
	kv := newFakeKV()
	kv.data["/pingd/nodes/existing"] = `{"addr":"http://existing:8081"}`
	kv.data["/pingd/state/existing"] = `{"state":"up"}`
	w := &fakeWatcher{ch: make(chan clientv3.WatchResponse)}

	var mu sync.Mutex
	var seen []cluster.NodeInfo
	record := func(info cluster.NodeInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- WatchRegistrations(ctx, kv, w, "/pingd", record, zap.NewNop())
	}()

	w.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{
		putEvent("/pingd/nodes/fresh", "fresh:8081"),
		deleteEvent("/pingd/nodes/existing"),
	}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []cluster.NodeInfo{
		{ID: "existing", Addr: "http://existing:8081"},
		{ID: "fresh", Addr: "fresh:8081"},
	}, seen)
}

func TestStatePublisher(t *testing.T) {
	kv := newFakeKV()
	pub := NewStatePublisher(kv, "/pingd", time.Second, zap.NewNop())

	pub.Publish(ping.Transition{
		At:       testTime,
		Name:     "n1",
		From:     cluster.StateUp,
		To:       cluster.StateDown,
		Failures: 3,
	})

	raw, ok := kv.value("/pingd/state/n1")
	require.True(t, ok)
	var rec StateRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, cluster.StateDown, rec.State)
	assert.Equal(t, cluster.StateUp, rec.From)
	assert.Equal(t, 3, rec.Failures)
	assert.True(t, testTime.Equal(rec.At))
}

func TestStatePublisherSwallowsErrors(t *testing.T) {
	kv := newFakeKV()
	kv.failPut = true
	pub := NewStatePublisher(kv, "/pingd", time.Second, zap.NewNop())

	assert.NotPanics(t, func() {
		pub.Publish(ping.Transition{Name: "n1", To: cluster.StateUp})
	})
	_, ok := kv.value("/pingd/state/n1")
	assert.False(t, ok)
}

// slowUpKV delays writes of UP records, so an out-of-order writer would
// leave UP in the mirror after a later DOWN.
type slowUpKV struct {
	*fakeKV
}

func (s slowUpKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	if strings.Contains(val, `"state":"up"`) {
		time.Sleep(50 * time.Millisecond)
	}
	return s.fakeKV.Put(ctx, key, val, opts...)
}

// TestStateMirrorFollowsTable wires the publisher to a ping coordinator and
// flips a node UP then DOWN.
func TestStateMirrorFollowsTable(t *testing.T) {
	kv := newFakeKV()
	table := nodetable.New()
	table.Add(nodetable.Record{Name: "n0", Addr: "http://n0", State: cluster.StateUnknown})

	var mu sync.Mutex
	outcome := ping.Responded
	at := testTime
	dispatcher := ping.DispatcherFunc(func(batch ping.Batch, onComplete ping.CompletionFunc) {
		mu.Lock()
		res := ping.Result{Outcome: outcome, At: at}
		mu.Unlock()
		results := ping.Results{}
		for _, name := range batch.Nodes {
			results[name] = res
		}
		onComplete(batch, results)
	})

	coord := ping.New(ping.Config{StaleAfter: time.Minute, BatchSize: 10, FailureThreshold: 1},
		table, dispatcher, readyDep{}, clockwork.NewFakeClockAt(testTime), zap.NewNop())
	coord.OnTransition(NewStatePublisher(slowUpKV{kv}, "/pingd", time.Second, zap.NewNop()).Publish)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	_, err := coord.TriggerSweep(ping.TriggerAdmin)
	require.NoError(t, err)
	require.Eventually(t, coord.IsDone, time.Second, time.Millisecond)

	mu.Lock()
	outcome, at = ping.Failed, testTime.Add(time.Second)
	mu.Unlock()
	_, err = coord.TriggerNodes(ping.TriggerAdmin, []string{"n0"})
	require.NoError(t, err)
	require.Eventually(t, coord.IsDone, time.Second, time.Millisecond)

	// Run returns only after queued transitions were delivered.
	cancel()
	require.NoError(t, <-done)

	rec, ok := table.Get("n0")
	require.True(t, ok)
	require.Equal(t, cluster.StateDown, rec.State)

	raw, ok := kv.value("/pingd/state/n0")
	require.True(t, ok)
	var mirrored StateRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &mirrored))
	assert.Equal(t, rec.State, mirrored.State)
	assert.Equal(t, cluster.StateUp, mirrored.From)
}

type readyDep struct{}

func (readyDep) Ready() error { return nil }
