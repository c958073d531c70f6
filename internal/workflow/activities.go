package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
)

// Runner is the part of the orchestrator the activity drives.
type Runner interface {
	Run(ctx context.Context, sourceID string, mode model.SyncMode, opts pidsync.RunOptions) (*model.SyncRun, error)
}

// Activities holds the worker-side dependencies of the sync workflow.
type Activities struct {
	runner Runner
}

// NewActivities creates the activity set for a worker.
func NewActivities(runner Runner) *Activities {
	return &Activities{runner: runner}
}

// RunSync executes the run and maps its outcome onto Temporal application
// errors, so the retry policy can tell resumable interruptions from
// conditions a retry cannot fix.
func (a *Activities) RunSync(ctx context.Context, in SyncInput) (*SyncResult, error) {
	log := zap.L().With(
		zap.String("component", "workflow"),
		zap.String("source_id", in.SourceID),
		zap.Int32("attempt", activity.GetInfo(ctx).Attempt),
	)

	stop := heartbeat(ctx)
	defer stop()

	run, err := a.runner.Run(ctx, in.SourceID, in.Mode, pidsync.RunOptions{PIDs: in.PIDs, DryRun: in.DryRun})

	var concurrent *pidsync.ConcurrentRunError
	var unavailable *pidsync.SourceUnavailableError
	switch {
	case errors.As(err, &concurrent):
		return nil, temporal.NewApplicationErrorWithCause(concurrent.Error(), ErrTypeConcurrentRun, err)
	case eris.Is(err, pidsync.ErrUnknownSource):
		return nil, temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeUnknownSource, err)
	case errors.As(err, &unavailable):
		return nil, temporal.NewApplicationErrorWithCause(unavailable.Error(), ErrTypeSourceUnavailable, err)
	case err != nil && run == nil:
		return nil, temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeSyncFailed, err)
	}

	res := &SyncResult{
		SyncID:      run.SyncID,
		Status:      run.Status,
		Interrupted: run.Interrupted,
		Counts:      run.Counts,
	}
	if run.Interrupted {
		log.Warn("workflow: run interrupted, will resume", zap.String("sync_id", run.SyncID), zap.String("checkpoint", run.Checkpoint))
		return nil, temporal.NewApplicationError("sync "+run.SyncID+" interrupted", ErrTypeRunInterrupted, res)
	}
	if err != nil {
		return nil, temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeSyncFailed, err, res)
	}
	log.Info("workflow: run finished", zap.String("sync_id", run.SyncID), zap.String("status", string(run.Status)))
	return res, nil
}

// heartbeat records activity heartbeats while the run executes.
func heartbeat(ctx context.Context) func() {
	timeout := activity.GetInfo(ctx).HeartbeatTimeout
	if timeout <= 0 {
		return func() {}
	}
	interval := max(timeout/3, time.Second)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
