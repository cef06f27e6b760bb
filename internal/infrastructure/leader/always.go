package leader

import (
	"context"
	"sync"
)

// Always is the single-instance elector: it is always the leader and keeps
// the sweep record in memory.
type Always struct {
	mu    sync.Mutex
	sweep *Sweep
}

func (*Always) IsLeader() bool { return true }

func (a *Always) RecordSweep(_ context.Context, s Sweep) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweep = &s
	return nil
}

func (a *Always) LastSweep() (Sweep, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sweep == nil {
		return Sweep{}, false
	}
	return *a.sweep, true
}
