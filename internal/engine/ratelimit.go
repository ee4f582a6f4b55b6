package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// limiterSet spaces target writes per definition. Each definition gets its
// own schedule; a per-definition rate overrides the engine-wide default.
type limiterSet struct {
	clock Clock
	base  float64 // writes per second; zero disables

	mu   sync.Mutex
	next map[uuid.UUID]time.Time
}

func newLimiterSet(clock Clock, base float64) *limiterSet {
	return &limiterSet{
		clock: clock,
		base:  base,
		next:  make(map[uuid.UUID]time.Time),
	}
}

// wait blocks until the definition's next write slot. perSec zero falls back
// to the engine-wide rate; if both are zero, wait returns immediately.
func (l *limiterSet) wait(ctx context.Context, defID uuid.UUID, perSec float64) error {
	rate := perSec
	if rate == 0 {
		rate = l.base
	}

	if rate <= 0 {
		return nil
	}

	interval := time.Duration(float64(time.Second) / rate)

	l.mu.Lock()

	now := l.clock.Now()

	slot := l.next[defID]
	if slot.Before(now) {
		slot = now
	}

	l.next[defID] = slot.Add(interval)
	l.mu.Unlock()

	if d := slot.Sub(now); d > 0 {
		return l.clock.Sleep(ctx, d)
	}

	return nil
}
