// Package discovery connects pingd to etcd. Node agents register themselves
// under <prefix>/nodes/<name> with a leased key, the coordinator watches that
// directory to learn about new nodes and mirrors the liveness state it
// computes under <prefix>/state/<name>.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/dreamware/pingd/internal/cluster"
)

const (
	nodesDir = "nodes"
	stateDir = "state"
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
	}
	return cli, nil
}

// NodeKey is the registration key of a node.
func NodeKey(prefix, name string) string {
	return path.Join(prefix, nodesDir, name)
}

// StateKey is the key holding the mirrored liveness state of a node.
func StateKey(prefix, name string) string {
	return path.Join(prefix, stateDir, name)
}

func dirKey(prefix, dir string) string {
	return path.Join(prefix, dir) + "/"
}

// nameFromKey extracts the node name from a key directly below dir.
func nameFromKey(prefix, dir, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, dirKey(prefix, dir))
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// RegisterNode writes the node's registration under a lease of the given TTL
// and keeps the lease alive until ctx is done. The key disappears when the
// agent stops refreshing it.
func RegisterNode(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, prefix string, node cluster.NodeInfo, ttl time.Duration, logger *zap.Logger) (clientv3.LeaseID, error) {
	grant, err := lease.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return 0, fmt.Errorf("granting lease: %w", err)
	}

	value, err := json.Marshal(node)
	if err != nil {
		return 0, err
	}
	key := NodeKey(prefix, node.ID)
	if _, err := kv.Put(ctx, key, string(value), clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}

	ch, err := lease.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			logger.Warn("etcd lease keepalive stopped", zap.String("key", key))
		}
	}()

	logger.Info("registered in etcd", zap.String("key", key), zap.Duration("ttl", ttl))
	return grant.ID, nil
}

// WatchRegistrations reports every node currently registered under prefix and
// then every new or updated registration until ctx is done.
func WatchRegistrations(ctx context.Context, kv clientv3.KV, w clientv3.Watcher, prefix string, fn func(cluster.NodeInfo), logger *zap.Logger) error {
	dir := dirKey(prefix, nodesDir)
	resp, err := kv.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, item := range resp.Kvs {
		if info, ok := decodeNode(prefix, string(item.Key), item.Value); ok {
			fn(info)
		}
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if resp.Header != nil {
		opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
	}
	for wr := range w.Watch(ctx, dir, opts...) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		for _, ev := range wr.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				if info, ok := decodeNode(prefix, key, ev.Kv.Value); ok {
					fn(info)
				}
			case clientv3.EventTypeDelete:
				logger.Info("node registration expired", zap.String("key", key))
			}
		}
	}
	return ctx.Err()
}

// decodeNode accepts JSON NodeInfo values and bare address values.
func decodeNode(prefix, key string, value []byte) (cluster.NodeInfo, bool) {
	name, ok := nameFromKey(prefix, nodesDir, key)
	if !ok {
		return cluster.NodeInfo{}, false
	}
	info := cluster.NodeInfo{ID: name}
	if len(value) > 0 && value[0] == '{' {
		if err := json.Unmarshal(value, &info); err != nil {
			return cluster.NodeInfo{}, false
		}
		info.ID = name
	} else {
		info.Addr = string(value)
	}
	if info.Addr == "" {
		return cluster.NodeInfo{}, false
	}
	return info, true
}
