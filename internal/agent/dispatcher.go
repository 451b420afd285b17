package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/pingd/internal/ping"
)

// AddrLookup resolves a node name to its agent base URL.
type AddrLookup func(name string) (string, bool)

// Options configures how probes are sent.
type Options struct {
	TLSConfig   *tls.Config   // nil keeps the default transport settings
	Token       func() string // bearer token source, may return ""
	Path        string        // health endpoint on the agent
	Timeout     time.Duration // per-node probe bound
	Concurrency int           // max probes in flight across all batches
}

// HTTPDispatcher probes node agents over HTTP. Each batch is probed on its own
// goroutine and the completion callback runs once every node of the batch has
// responded, failed or timed out. At most Concurrency probes are in flight at
// any time, however many batches and sweeps overlap.
type HTTPDispatcher struct {
	sem    *semaphore.Weighted
	client *resty.Client
	lookup AddrLookup
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewHTTPDispatcher(lookup AddrLookup, opts Options, clock clockwork.Clock, logger *zap.Logger) *HTTPDispatcher {
	if opts.Path == "" {
		opts.Path = "/health"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 16
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}

	client := resty.New()
	if opts.TLSConfig != nil {
		client.SetTLSClientConfig(opts.TLSConfig)
	}

	return &HTTPDispatcher{
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		client: client,
		lookup: lookup,
		opts:   opts,
		clock:  clock,
		logger: logger.With(zap.String("component", "agent")),
	}
}

// Dispatch implements ping.Dispatcher. It returns immediately.
func (d *HTTPDispatcher) Dispatch(batch ping.Batch, onComplete ping.CompletionFunc) {
	go func() {
		onComplete(batch, d.probeAll(batch))
	}()
}

func (d *HTTPDispatcher) probeAll(batch ping.Batch) ping.Results {
	var mu sync.Mutex
	results := make(ping.Results, len(batch.Nodes))

	var g errgroup.Group
	for _, name := range batch.Nodes {
		name := name
		// Limit probes in flight across the whole dispatcher
		_ = d.sem.Acquire(context.Background(), 1)
		g.Go(func() error {
			defer d.sem.Release(1)
			outcome := d.probe(name)
			at := d.clock.Now()
			mu.Lock()
			results[name] = ping.Result{Outcome: outcome, At: at}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *HTTPDispatcher) probe(name string) ping.Outcome {
	addr, ok := d.lookup(name)
	if !ok {
		d.logger.Debug("no address for node", zap.String("node", name))
		return ping.Failed
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	req := d.client.R().SetContext(ctx)
	if token := d.opts.Token(); token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Get(healthURL(addr, d.opts.Path))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			d.logger.Debug("probe timed out", zap.String("node", name), zap.Duration("timeout", d.opts.Timeout))
			return ping.TimedOut
		}
		d.logger.Debug("probe failed", zap.String("node", name), zap.Error(err))
		return ping.Failed
	}
	if resp.StatusCode() != http.StatusOK {
		d.logger.Debug("probe rejected", zap.String("node", name), zap.Int("status", resp.StatusCode()))
		return ping.Failed
	}
	return ping.Responded
}

// healthURL accepts both full URLs and host:port addresses.
func healthURL(addr, path string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, path) {
		url = strings.TrimRight(url, "/") + path
	}
	return url
}
