// Package shutdown coordinates graceful teardown of the node's components.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdownable is a component that can be shut down gracefully.
type Shutdownable interface {
	Close() error
}

// Coordinator manages graceful shutdown of all components.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	components []namedComponent

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type namedComponent struct {
	name      string
	component Shutdownable
	priority  int // lower shuts down first
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a component. Lower priorities shut down first.
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, namedComponent{name: name, component: component, priority: priority})
}

// Wait blocks until SIGINT/SIGTERM, then shuts everything down.
func (c *Coordinator) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		c.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-c.shutdownCh:
	}

	c.Shutdown()
}

// Trigger starts a shutdown without a signal.
func (c *Coordinator) Trigger() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
	})
}

// Shutdown closes every registered component in priority order.
func (c *Coordinator) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	components := make([]namedComponent, len(c.components))
	copy(components, c.components)
	c.mu.Unlock()

	sort.SliceStable(components, func(i, j int) bool {
		return components[i].priority < components[j].priority
	})

	for _, nc := range components {
		select {
		case <-ctx.Done():
			c.logger.Error().Str("component", nc.name).Msg("Shutdown timeout reached, aborting remaining components")
			return
		default:
		}

		start := time.Now()
		if err := nc.component.Close(); err != nil {
			c.logger.Error().Err(err).Str("component", nc.name).Msg("Component shutdown failed")
		} else {
			c.logger.Info().Str("component", nc.name).Dur("elapsed", time.Since(start)).Msg("Component shut down")
		}
	}
}
