package discovery

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/dreamware/pingd/internal/cluster"
	"github.com/dreamware/pingd/internal/ping"
)

// StateRecord is the value stored under StateKey.
type StateRecord struct {
	At       time.Time         `json:"at"`
	State    cluster.NodeState `json:"state"`
	From     cluster.NodeState `json:"from"`
	Failures int               `json:"consecutive_fails"`
}

// StatePublisher mirrors node state transitions into etcd. Publish matches
// the coordinator's observer signature.
type StatePublisher struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewStatePublisher(kv clientv3.KV, prefix string, timeout time.Duration, logger *zap.Logger) *StatePublisher {
	return &StatePublisher{
		kv:      kv,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "discovery")),
	}
}

func (p *StatePublisher) Publish(tr ping.Transition) {
	value, err := json.Marshal(StateRecord{
		At:       tr.At,
		State:    tr.To,
		From:     tr.From,
		Failures: tr.Failures,
	})
	if err != nil {
		p.logger.Error("encoding state record", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	key := StateKey(p.prefix, tr.Name)
	if _, err := p.kv.Put(ctx, key, string(value)); err != nil {
		p.logger.Warn("failed to publish node state", zap.String("key", key), zap.Error(err))
	}
}
