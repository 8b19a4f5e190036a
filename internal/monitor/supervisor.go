package monitor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs one ChainMonitor per chain in parallel.
type Supervisor struct {
	monitors []*ChainMonitor
	running  atomic.Bool
}

func NewSupervisor(monitors ...*ChainMonitor) *Supervisor {
	return &Supervisor{monitors: monitors}
}

// Run blocks until ctx is cancelled and every monitor has finished its
// current tick.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range s.monitors {
		g.Go(func() error { return m.Run(ctx) })
	}
	return g.Wait()
}

// Running reports whether Run is active.
func (s *Supervisor) Running() bool { return s.running.Load() }

// Statuses returns the latest status of every monitor.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Status())
	}
	return out
}
