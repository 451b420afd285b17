package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

// NodeState is the registration/liveness state of a compute node as seen by
// the coordinator.
type NodeState string

const (
	StateUnknown     NodeState = "unknown"
	StateRegistering NodeState = "registering"
	StateUp          NodeState = "up"
	StateDown        NodeState = "down"
)

// Unconfirmed reports whether a node in this state must be probed on every
// sweep regardless of staleness.
func (s NodeState) Unconfirmed() bool {
	return s == StateUnknown || s == StateRegistering
}

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// NodeStatus is the wire view of one node table record.
type NodeStatus struct {
	ID               string    `json:"id"`
	Addr             string    `json:"addr"`
	State            NodeState `json:"state"`
	LastContact      time.Time `json:"last_contact"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// PingStatus is the wire view of the ping cycle coordinator.
type PingStatus struct {
	Done          bool `json:"done"`
	Outstanding   int  `json:"outstanding"`
	PendingMerges int  `json:"pending_merges"`
}

// TriggerResponse reports how many batches an admin trigger dispatched.
type TriggerResponse struct {
	Batches int `json:"batches"`
}

var httpClient = resty.New().SetTimeout(5 * time.Second)

func PostJSON(ctx context.Context, url string, body any, out any) error {
	req := httpClient.R().SetContext(ctx).SetBody(body)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode())
	}
	return nil
}

func GetJSON(ctx context.Context, url string, out any) error {
	resp, err := httpClient.R().SetContext(ctx).SetResult(out).Get(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode())
	}
	return nil
}

// Register announces a node to the coordinator, retrying with exponential
// backoff until it succeeds, ctx is done, or maxElapsed passes.
func Register(ctx context.Context, coordURL string, node NodeInfo, maxElapsed time.Duration, notify func(error, time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	op := func() error {
		return PostJSON(ctx, coordURL+"/register", RegisterRequest{Node: node}, nil)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("register %s with %s: %w", node.ID, coordURL, err)
	}
	return nil
}
