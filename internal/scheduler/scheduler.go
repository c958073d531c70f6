// Package scheduler starts scheduled sync runs for sources whose next
// scheduled sync has come due.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

const (
	defaultInterval      = time.Minute
	defaultMaxConcurrent = 4
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	StatusAll(ctx context.Context) ([]pidsync.SourceStatus, error)
	Run(ctx context.Context, sourceID string, mode model.SyncMode, opts pidsync.RunOptions) (*model.SyncRun, error)
}

// TickResult summarizes one scheduling pass.
type TickResult struct {
	Due       int
	Completed int
	Busy      int
	Failed    int
}

// Scheduler polls source state and runs due sources with bounded
// concurrency.
type Scheduler struct {
	runner        Runner
	interval      time.Duration
	maxConcurrent int
	log           *zap.Logger
	now           func() time.Time
}

// New creates a Scheduler. Non-positive values fall back to a one-minute
// interval and four concurrent runs.
func New(runner Runner, interval time.Duration, maxConcurrent int) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Scheduler{
		runner:        runner,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		log:           zap.L().With(zap.String("component", "scheduler")),
		now:           time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Cancelling ctx interrupts in-flight runs, which finalize as resumable.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: started",
		zap.Duration("interval", s.interval),
		zap.Int("max_concurrent", s.maxConcurrent),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every due source once and waits for the runs to finish. A busy
// source is skipped; it comes due again on a later tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	statuses, err := s.runner.StatusAll(ctx)
	if err != nil {
		return TickResult{}, eris.Wrap(err, "scheduler: load source status")
	}

	now := s.now()
	var due []string
	for _, st := range statuses {
		if syncstate.Due(st.State, now) {
			due = append(due, st.State.SourceID)
		}
	}
	if len(due) == 0 {
		s.log.Debug("scheduler: nothing due")
		return TickResult{}, nil
	}

	var completed, busy, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)

	for _, id := range due {
		g.Go(func() error {
			log := s.log.With(zap.String("source_id", id))
			run, err := s.runner.Run(gctx, id, model.SyncModeScheduled, pidsync.RunOptions{})

			var concurrent *pidsync.ConcurrentRunError
			switch {
			case errors.As(err, &concurrent):
				log.Info("scheduler: source busy, skipping", zap.String("active_sync_id", concurrent.ActiveSyncID))
				busy.Add(1)
			case err != nil:
				// Runs fail per source; the other sources keep going.
				log.Error("scheduler: scheduled run failed", zap.Error(err))
				failed.Add(1)
			default:
				log.Info("scheduler: scheduled run finished",
					zap.String("sync_id", run.SyncID),
					zap.String("status", string(run.Status)),
				)
				completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := TickResult{
		Due:       len(due),
		Completed: int(completed.Load()),
		Busy:      int(busy.Load()),
		Failed:    int(failed.Load()),
	}
	s.log.Info("scheduler: tick complete",
		zap.Int("due", res.Due),
		zap.Int("completed", res.Completed),
		zap.Int("busy", res.Busy),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
