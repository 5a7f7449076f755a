// Package resume reconciles client state when the app returns to the
// foreground instead of trusting channels that may have gone stale.
package resume

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"marketsync/internal/clock"

	"golang.org/x/sync/errgroup"
)

// DefaultWindow coalesces resumes that start within it of the previous one.
const DefaultWindow = 1500 * time.Millisecond

// DefaultTimeout covers a refetcher doing bounded reads with retries.
const DefaultTimeout = 45 * time.Second

type AppState string

const (
	Background AppState = "background"
	Active     AppState = "active"
)

// Refetcher reloads one source. It is called once per pass and does its own
// retrying.
type Refetcher interface {
	Refetch(ctx context.Context) error
}

type RefetchFunc func(ctx context.Context) error

func (f RefetchFunc) Refetch(ctx context.Context) error { return f(ctx) }

// HealthChecker reconnects unhealthy channels after its own grace period.
type HealthChecker interface {
	OnForeground()
}

type Config struct {
	Window time.Duration
	// Timeout bounds each refetcher in a pass.
	Timeout time.Duration
	Clock   clock.Clock
	Logger *slog.Logger
}

type registered struct {
	name string
	r    Refetcher
}

type Coordinator struct {
	channels HealthChecker
	window   time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	refetchers []registered
	running    bool
	last       time.Time
}

func New(channels HealthChecker, cfg Config) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		channels: channels,
		window:   cfg.Window,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

func (c *Coordinator) Register(name string, r Refetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refetchers = append(c.refetchers, registered{name: name, r: r})
}

// Run resumes on every background to active transition read from states.
// The app is assumed to start active. Run returns when ctx is done or states
// is closed.
func (c *Coordinator) Run(ctx context.Context, states <-chan AppState) error {
	current := Active
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-states:
			if !ok {
				return nil
			}
			prev := current
			current = s
			if prev != Background || s != Active {
				continue
			}
			if _, err := c.Resume(ctx); err != nil {
				c.logger.Warn("resume reconciliation incomplete", "error", err)
			}
		}
	}
}

// Resume refetches every registered source concurrently, then asks the
// channels for a health check. It reports false without doing anything when
// another pass is running or one started less than the window ago. The
// health check runs even if some refetches failed.
func (c *Coordinator) Resume(ctx context.Context) (bool, error) {
	c.mu.Lock()
	now := c.clock.Now()
	if c.running || (!c.last.IsZero() && now.Sub(c.last) < c.window) {
		c.mu.Unlock()
		c.logger.Debug("resume coalesced")
		return false, nil
	}
	c.running = true
	c.last = now
	refetchers := slices.Clone(c.refetchers)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	// A failed source does not cancel the others.
	var g errgroup.Group
	for _, reg := range refetchers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := reg.r.Refetch(ctx); err != nil {
				c.logger.Warn("refetch failed", "source", reg.name, "error", err)
				return fmt.Errorf("failed to refetch %s: %w", reg.name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if c.channels != nil {
		c.channels.OnForeground()
	}

	c.logger.Info("resumed", "refetchers", len(refetchers), "ok", err == nil)
	return true, err
}
