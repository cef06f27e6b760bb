package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
)

// Checker computes a fresh verdict.
type Checker interface {
	Check(ctx context.Context, actorID string, conversationID uuid.UUID) (block.Verdict, error)
}

// Watcher caches one actor's verdict for one conversation and refreshes it
// at a fixed interval. A cached verdict older than the interval is never
// served by Current.
type Watcher struct {
	checker        Checker
	actorID        string
	conversationID uuid.UUID
	interval       time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	mu          sync.RWMutex
	verdict     block.Verdict
	refreshedAt time.Time
}

// NewWatcher creates a watcher. The first verdict is computed lazily.
func NewWatcher(checker Checker, actorID string, conversationID uuid.UUID, interval time.Duration, logger zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		checker:        checker,
		actorID:        actorID,
		conversationID: conversationID,
		interval:       interval,
		logger:         logger.With().Str("component", "gate_watcher").Logger(),
		now:            clock.Now,
	}
}

// Refresh recomputes the verdict from its sources.
func (w *Watcher) Refresh(ctx context.Context) (block.Verdict, error) {
	v, err := w.checker.Check(ctx, w.actorID, w.conversationID)
	if err != nil {
		return block.Verdict{}, err
	}
	w.mu.Lock()
	w.verdict = v
	w.refreshedAt = w.now()
	w.mu.Unlock()
	return v, nil
}

// Current returns the cached verdict while it is fresh and refreshes otherwise.
func (w *Watcher) Current(ctx context.Context) (block.Verdict, error) {
	w.mu.RLock()
	v, at := w.verdict, w.refreshedAt
	w.mu.RUnlock()
	if !at.IsZero() && w.now().Sub(at) < w.interval {
		return v, nil
	}
	return w.Refresh(ctx)
}

// Verdict returns the last computed verdict without refreshing.
func (w *Watcher) Verdict() block.Verdict {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.verdict
}

// Run refreshes on every tick until ctx ends. onChange is called when the
// blocked state, source or end time changes.
func (w *Watcher) Run(ctx context.Context, onChange func(block.Verdict)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev := w.Verdict()
			v, err := w.Refresh(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn().Err(err).Msg("gate refresh failed")
				}
				continue
			}
			if onChange != nil && changed(prev, v) {
				onChange(v)
			}
		}
	}
}

func changed(a, b block.Verdict) bool {
	if a.Blocked != b.Blocked || a.Source != b.Source || a.Reason != b.Reason {
		return true
	}
	if (a.BlockedUntil == nil) != (b.BlockedUntil == nil) {
		return true
	}
	return a.BlockedUntil != nil && !a.BlockedUntil.Equal(*b.BlockedUntil)
}
