// Package workflow runs source syncs as Temporal workflows so scheduled and
// manual runs survive worker restarts. The orchestrator stays the only code
// that writes sync state; the workflow adds durable retries around it.
package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// DefaultTaskQueue is the task queue used when none is configured.
const DefaultTaskQueue = "corpus-sync"

// Application error types reported by RunSync.
const (
	ErrTypeConcurrentRun     = "ConcurrentRunError"
	ErrTypeSourceUnavailable = "SourceUnavailableError"
	ErrTypeUnknownSource     = "UnknownSourceError"
	ErrTypeRunInterrupted    = "RunInterruptedError"
	ErrTypeSyncFailed        = "SyncFailedError"
)

// SyncInput selects the source and mode of a workflow run.
type SyncInput struct {
	SourceID string         `json:"source_id"`
	Mode     model.SyncMode `json:"mode"`
	PIDs     []string       `json:"pids,omitempty"`
	DryRun   bool           `json:"dry_run,omitempty"`
}

// SyncResult is the outcome of the finalized run.
type SyncResult struct {
	SyncID      string           `json:"sync_id"`
	Status      model.SyncStatus `json:"status"`
	Interrupted bool             `json:"interrupted,omitempty"`
	Counts      model.SyncCounts `json:"counts"`
}

// ActivityOptions returns the activity options for RunSync. Interrupted runs
// are retried and resume from their checkpoint; a busy or unavailable source
// is left to the next scheduled run.
func ActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 6 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Minute,
			MaximumAttempts:    5,
			NonRetryableErrorTypes: []string{
				ErrTypeConcurrentRun,
				ErrTypeSourceUnavailable,
				ErrTypeUnknownSource,
			},
		},
	}
}

// SyncSourceWorkflow executes one sync run of a source.
func SyncSourceWorkflow(ctx workflow.Context, in SyncInput) (*SyncResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("workflow: sync started", "source_id", in.SourceID, "mode", in.Mode)

	ctx = workflow.WithActivityOptions(ctx, ActivityOptions())

	var a *Activities
	var res SyncResult
	if err := workflow.ExecuteActivity(ctx, a.RunSync, in).Get(ctx, &res); err != nil {
		return nil, err
	}

	logger.Info("workflow: sync finished", "source_id", in.SourceID, "sync_id", res.SyncID, "status", res.Status)
	return &res, nil
}

// WorkflowID is the id used for a source's sync workflow. One id per source
// keeps Temporal from running two syncs of a source at once.
func WorkflowID(sourceID string) string {
	return "corpus-sync-" + sourceID
}

// Start launches SyncSourceWorkflow. It fails if a workflow for the source
// is already running.
func Start(ctx context.Context, c client.Client, taskQueue string, in SyncInput) (client.WorkflowRun, error) {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       WorkflowID(in.SourceID),
		TaskQueue:                                taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, SyncSourceWorkflow, in)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: start sync of %s", in.SourceID)
	}
	return run, nil
}
