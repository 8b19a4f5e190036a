// Package syncutil provides per-key locks used to serialize state
// transitions on a single entity.
package syncutil

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured wait.
var ErrLockTimeout = errors.New("syncutil: lock wait timed out")

// Locker acquires an exclusive lock on key. The returned unlock function is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with a bounded wait and a lease. A
// holder that keeps a key past its lease is treated as crashed: the next
// waiter takes the key over and the takeover is logged. The stale holder's
// unlock becomes a no-op.
type KeyedMutex struct {
	wait   time.Duration
	lease  time.Duration
	logger *slog.Logger
	now    func() time.Time

	// OnForceRelease is called after a lease takeover.
	OnForceRelease func(key string, heldFor time.Duration)

	mu   sync.Mutex
	held map[string]*holder
}

type holder struct {
	acquired time.Time
	released chan struct{}
}

// NewKeyedMutex returns a KeyedMutex. wait bounds how long Acquire blocks;
// lease bounds how long a holder may keep a key before it can be taken over.
func NewKeyedMutex(wait, lease time.Duration, logger *slog.Logger) *KeyedMutex {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyedMutex{
		wait:   wait,
		lease:  lease,
		logger: logger,
		now:    time.Now,
		held:   make(map[string]*holder),
	}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	deadline := m.now().Add(m.wait)

	for {
		m.mu.Lock()
		h, busy := m.held[key]
		if !busy {
			unlock := m.take(key)
			m.mu.Unlock()
			return unlock, nil
		}

		heldFor := m.now().Sub(h.acquired)
		if heldFor >= m.lease {
			delete(m.held, key)
			close(h.released)
			unlock := m.take(key)
			m.mu.Unlock()

			m.logger.Error("lock lease expired, forcing release",
				"key", key, "heldFor", heldFor.String())
			if m.OnForceRelease != nil {
				m.OnForceRelease(key, heldFor)
			}
			return unlock, nil
		}
		released := h.released
		m.mu.Unlock()

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		// Wake up when the holder releases, its lease runs out, or our wait ends.
		next := remaining
		if untilExpiry := m.lease - heldFor; untilExpiry < next {
			next = untilExpiry
		}

		timer := time.NewTimer(next)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// take registers a new holder. m.mu must be held.
func (m *KeyedMutex) take(key string) func() {
	h := &holder{acquired: m.now(), released: make(chan struct{})}
	m.held[key] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.held[key]; ok && cur == h {
				delete(m.held, key)
				close(h.released)
			}
		})
	}
}

var _ Locker = (*KeyedMutex)(nil)
