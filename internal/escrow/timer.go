package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlegate/internal/metrics"
)

// Expirer closes out records whose deadline is before now. Both escrows and
// payments implement it.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Timer sweeps a target for expired records. It sweeps once on Start so
// deadlines that passed while the process was down are handled right away.
type Timer struct {
	target   Expirer
	name     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer returns a sweeper for target. name labels logs and metrics.
func NewTimer(target Expirer, name string, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		target:   target,
		name:     name,
		interval: interval,
		logger:   logger.With("component", "expiry", "target", name),
		now:      func() time.Time { return time.Now().UTC() },
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

	t.sweep(ctx)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ExpirySweepErrorsTotal.WithLabelValues(t.name).Inc()
			t.logger.Error("expiry sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.target.ExpireStale(ctx, t.now())
	switch {
	case err != nil && ctx.Err() != nil:
	case err != nil:
		metrics.ExpirySweepErrorsTotal.WithLabelValues(t.name).Inc()
		t.logger.Warn("expiry sweep failed", "expired", n, "error", err)
	case n > 0:
		t.logger.Info("expired stale records", "count", n)
	}
}
