package utils

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Periodic runs fn on a fixed interval in a background goroutine until
// Stop is called or the context passed to Start is cancelled. fn runs once
// immediately on Start.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewPeriodic creates a runner but does not start it.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context), log *slog.Logger) *Periodic {
	if log == nil {
		log = slog.Default()
	}
	return &Periodic{name: name, interval: interval, fn: fn, log: log, done: make(chan struct{})}
}

// Start begins the loop. A non-positive interval disables the runner.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	if p.interval <= 0 {
		p.log.Info("periodic task disabled", "task", p.name)
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	p.log.Info("periodic task started", "task", p.name, "interval", p.interval.String())
}

// Stop signals the loop to exit and waits for it. Safe to call more than once,
// and before Start.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.started {
		p.started = true
		close(p.done)
	}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-p.done
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.done)

	p.fn(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}
