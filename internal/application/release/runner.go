// Package release runs the escrow auto-release sweep on the elected leader.
package release

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
	"github.com/gigmarket/gigmarket/internal/infrastructure/leader"
)

const (
	defaultBatch = 100
	maxPasses    = 10
)

// Processor releases proposals whose confirmation window has passed.
type Processor interface {
	ProcessDueReleases(ctx context.Context, after *proposal.DueCursor, limit int) (negotiation.ReleaseBatch, error)
}

// Elector decides whether this process runs the sweep and keeps its record.
type Elector interface {
	leader.Elector
	RecordSweep(ctx context.Context, s leader.Sweep) error
	LastSweep() (leader.Sweep, bool)
}

// Runner drives the periodic sweep.
type Runner struct {
	processor Processor
	elector   Elector
	interval  time.Duration
	batch     int
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRunner creates a runner. batch bounds how many releases one pass attempts.
func NewRunner(processor Processor, elector Elector, interval time.Duration, batch int, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Runner{
		processor: processor,
		elector:   elector,
		interval:  interval,
		batch:     batch,
		logger:    logger.With().Str("service", "release").Logger(),
		now:       clock.Now,
	}
}

// Result summarizes one pass.
type Result struct {
	Skipped  bool      `json:"skipped"`
	Released int       `json:"released"`
	Failed   int       `json:"failed"`
	At       time.Time `json:"at"`
}

// RunOnce sweeps once when this process is the leader. A full batch is
// followed by another pass that resumes after it, up to maxPasses.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	res := Result{At: r.now()}
	if !r.elector.IsLeader() {
		res.Skipped = true
		return res, nil
	}
	var cursor *proposal.DueCursor
	for pass := 0; pass < maxPasses; pass++ {
		batch, err := r.processor.ProcessDueReleases(ctx, cursor, r.batch)
		res.Released += batch.Released
		res.Failed += batch.Failed
		if err != nil {
			return res, err
		}
		if batch.Next == nil || ctx.Err() != nil {
			break
		}
		cursor = batch.Next
	}
	if err := r.elector.RecordSweep(ctx, leader.Sweep{At: res.At, Released: res.Released}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record sweep")
	}
	if res.Released > 0 || res.Failed > 0 {
		r.logger.Info().Int("released", res.Released).Int("failed", res.Failed).Msg("release sweep finished")
	}
	return res, nil
}

// Run sweeps every interval until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("release sweep failed")
			}
		}
	}
}

// LastSweep exposes the replicated record of the latest sweep.
func (r *Runner) LastSweep() (leader.Sweep, bool) {
	return r.elector.LastSweep()
}
