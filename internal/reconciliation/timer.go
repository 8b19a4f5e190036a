package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the pause between scheduled passes.
const DefaultInterval = 15 * time.Minute

// Timer runs reconciliation on a schedule and keeps the latest report for
// the admin API. The first pass runs after a short warm-up so monitors have
// caught up on recent blocks.
type Timer struct {
	service  *Service
	interval time.Duration
	warmup   time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool

	mu      sync.RWMutex
	last    *Report
	lastErr error
}

// NewTimer returns a Timer for service. A zero interval uses DefaultInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		warmup:   min(time.Minute, interval),
		logger:   logger.With("component", "reconciliation"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	next := time.NewTimer(t.warmup)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-next.C:
			t.pass(ctx)
			next.Reset(t.interval)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Last returns the most recent scheduled report and its error. Both are nil
// before the first pass completes.
func (t *Timer) Last() (*Report, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.lastErr
}

func (t *Timer) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation pass panicked", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.service.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
	}

	t.mu.Lock()
	if rep != nil {
		t.last = rep
	}
	t.lastErr = err
	t.mu.Unlock()
}
