package security

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrNotInitialized is reported by Ready until Init has succeeded, and again
// after Fini.
var ErrNotInitialized = errors.New("security plugins not initialized")

// Plugin is one piece of the probe channel's security stack.
type Plugin interface {
	Name() string
	Init(ctx context.Context) error
	Fini() error
}

// Chain initializes plugins in order and finalizes them in reverse.
type Chain struct {
	mu      sync.Mutex
	plugins []Plugin
	inited  []Plugin
	ready   atomic.Bool
	logger  *zap.Logger
}

func NewChain(logger *zap.Logger, plugins ...Plugin) *Chain {
	return &Chain{
		plugins: plugins,
		logger:  logger.With(zap.String("component", "security")),
	}
}

// Init initializes every plugin in order. On the first failure the plugins
// already initialized are finalized and the error names the failing plugin.
func (c *Chain) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.plugins {
		if err := p.Init(ctx); err != nil {
			c.finiLocked()
			return fmt.Errorf("failed to initialize %s plugin: %w", p.Name(), err)
		}
		c.inited = append(c.inited, p)
		c.logger.Debug("plugin initialized", zap.String("plugin", p.Name()))
	}
	c.ready.Store(true)
	return nil
}

// Fini finalizes initialized plugins in reverse order. Errors are joined.
func (c *Chain) Fini() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finiLocked()
}

func (c *Chain) finiLocked() error {
	c.ready.Store(false)
	var errs []error
	for i := len(c.inited) - 1; i >= 0; i-- {
		p := c.inited[i]
		if err := p.Fini(); err != nil {
			c.logger.Warn("plugin fini failed", zap.String("plugin", p.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	c.inited = nil
	return errors.Join(errs...)
}

// Ready implements the ping coordinator's dependency check.
func (c *Chain) Ready() error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}
