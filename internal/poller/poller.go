package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pixdesk/ledgersync/internal/connection"
)

// Target is one session whose head pages can be refreshed.
// *feed.Session satisfies it.
type Target interface {
	AccountID() string
	RefreshHeads(ctx context.Context) error
}

// TargetSource provides the sessions to poll.
type TargetSource interface {
	Targets() []Target
}

// TargetSourceFunc is a function adapter for TargetSource.
type TargetSourceFunc func() []Target

func (f TargetSourceFunc) Targets() []Target {
	return f()
}

// Gate reports channel state. *connection.Channel satisfies it.
type Gate interface {
	State() connection.State
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 30s)
	Concurrency int           // Max concurrent sessions (default: 8)
	Timeout     time.Duration // Per-session timeout (default: 30s)
	Always      bool          // Poll even while the channel is Connected
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Concurrency: 8,
		Timeout:     30 * time.Second,
	}
}

// Stats contains poller counters.
type Stats struct {
	Cycles  int64
	Skipped int64
	Errors  int64
}

// Poller periodically refreshes session heads in degraded mode.
type Poller struct {
	cfg     Config
	targets TargetSource
	gate    Gate
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles  atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

// New creates a new Poller. A nil gate polls on every tick.
func New(cfg Config, targets TargetSource, gate Gate, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		targets: targets,
		gate:    gate,
		logger:  logger.With("component", "poller"),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("head poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
		"always", p.cfg.Always,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("head poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Skipped: p.skipped.Load(),
		Errors:  p.errors.Load(),
	}
}

// run is the main polling loop. The first poll waits one interval: sessions
// load their own first pages on start.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(p.ctx)
		}
	}
}

// degraded reports whether live events are currently unavailable.
func (p *Poller) degraded() bool {
	return p.gate == nil || p.gate.State() != connection.Connected
}

// pollAll refreshes every target concurrently.
func (p *Poller) pollAll(ctx context.Context) {
	if !p.cfg.Always && !p.degraded() {
		p.skipped.Add(1)
		p.logger.Debug("channel connected, skipping poll")
		return
	}

	start := time.Now()
	targets := p.targets.Targets()
	if len(targets) == 0 {
		p.logger.Debug("no sessions to poll")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	var refreshed, failed atomic.Int64

	for _, target := range targets {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
			defer cancel()

			if err := target.RefreshHeads(tctx); err != nil {
				p.logger.Warn("failed to refresh session",
					"account", target.AccountID(),
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	g.Wait()

	p.cycles.Add(1)
	p.errors.Add(failed.Load())
	p.logger.Info("poll cycle complete",
		"sessions", len(targets),
		"refreshed", refreshed.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}
