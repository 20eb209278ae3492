package alter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// shutdownHook is one named teardown step.
type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownCoordinator collects teardown hooks and runs them in reverse
// registration order, so later-constructed components stop before the
// components they depend on. Each hook is isolated: a failure or panic in
// one does not stop the rest.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	hooks    []shutdownHook
	down     atomic.Bool
	once     sync.Once
	logger   *slog.Logger
	finished chan struct{}
}

// ShutdownOption configures a ShutdownCoordinator.
type ShutdownOption func(*ShutdownCoordinator)

// ShutdownLogger sets the structured logger.
func ShutdownLogger(l *slog.Logger) ShutdownOption {
	return func(c *ShutdownCoordinator) { c.logger = l }
}

// NewShutdownCoordinator creates an empty coordinator.
func NewShutdownCoordinator(opts ...ShutdownOption) *ShutdownCoordinator {
	c := &ShutdownCoordinator{finished: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// OnShutdown registers a named hook. Hooks registered after shutdown has
// begun are dropped with a warning.
func (c *ShutdownCoordinator) OnShutdown(name string, fn func(context.Context) error) {
	if c.down.Load() {
		c.logger.Warn("shutdown hook registered too late", "hook", name)
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, shutdownHook{name: name, fn: fn})
	c.mu.Unlock()
}

// IsShuttingDown reports whether Shutdown has been called. Long-running
// loops poll this to exit cooperatively.
func (c *ShutdownCoordinator) IsShuttingDown() bool {
	return c.down.Load()
}

// Done is closed once all hooks have run.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.finished
}

// Shutdown runs all hooks in reverse registration order. It is idempotent:
// subsequent calls wait for the first to finish and return nil.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.down.Store(true)
		c.mu.Lock()
		hooks := make([]shutdownHook, len(c.hooks))
		copy(hooks, c.hooks)
		c.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := runHook(ctx, h); err != nil {
				c.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
			} else {
				c.logger.Debug("shutdown hook finished", "hook", h.name)
			}
		}
		close(c.finished)
	})
	<-c.finished
	return nil
}

// runHook invokes one hook, converting a panic into an error.
func runHook(ctx context.Context, h shutdownHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.name, r)
		}
	}()
	return h.fn(ctx)
}
