package pidsync

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/allowlist"
	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
	"github.com/ddr-archive/corpus-cli/internal/store"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

// execution is the mutable state of one run between start and finalize.
type execution struct {
	*job
	seen      map[string]bool
	sinceSave int
	lastSave  time.Time
	files     allowlist.FileCount
	// scoped runs cover an explicit pid list and leave the window alone.
	scoped bool
}

// execute streams the source and finalizes the run. It always attempts to
// finalize, even when ctx was cancelled.
func (o *Orchestrator) execute(ctx context.Context, j *job) (*model.SyncRun, error) {
	ex := &execution{job: j, seen: make(map[string]bool), lastSave: o.now()}
	ex.scoped = j.run.Mode == model.SyncModeManual && len(j.opts.PIDs) > 0

	runErr := o.stream(ctx, ex)
	if eris.Is(runErr, store.ErrClaimLost) {
		j.log.Error("pidsync: claim lost mid-run, abandoning without finalize", zap.Error(runErr))
		return j.run, runErr
	}

	if err := o.finalize(context.WithoutCancel(ctx), ex); err != nil {
		return j.run, err
	}
	return j.run, runErr
}

// listRequest computes the fetch window for the run's mode.
func (o *Orchestrator) listRequest(ex *execution) model.ListRequest {
	req := model.ListRequest{PageSize: o.cfg.PageSize}
	if ex.scoped {
		req.PIDs = ex.opts.PIDs
		return req
	}
	if ex.run.Mode.Windowed() && ex.state.LastSyncTimestamp != nil {
		since := *ex.state.LastSyncTimestamp
		req.Since = &since
	}
	req.After = ex.state.ResumeCheckpoint
	return req
}

// stream lists the source page by page and processes each item. A nil
// return means the stream was drained or the run was interrupted; the
// outcome is recorded on the run either way.
func (o *Orchestrator) stream(ctx context.Context, ex *execution) error {
	req := o.listRequest(ex)
	retry := o.retryConfig(ex.run.SourceID, "list")
	if req.After != "" {
		ex.log.Info("pidsync: resuming from checkpoint", zap.String("after", req.After))
	}

	cursor := ""
	first := true
	for {
		if ctx.Err() != nil {
			o.interrupt(ex, "cancelled before listing next page")
			return nil
		}

		page, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.Page, error) {
			return ex.reg.src.ListPage(ctx, req, cursor)
		})
		if err != nil {
			if ctx.Err() != nil {
				o.interrupt(ex, "cancelled while listing")
				return nil
			}
			if first {
				ex.run.Status = model.SyncStatusFailed
				o.logError(ex, "source unavailable: "+err.Error())
				return &SourceUnavailableError{SourceID: ex.run.SourceID, Err: err}
			}
			o.interrupt(ex, "listing failed mid-stream: "+err.Error())
			return nil
		}

		if first {
			first = false
			if err := o.carryOver(ctx, ex); err != nil {
				return err
			}
			if ctx.Err() != nil {
				o.interrupt(ex, "cancelled during carry-over")
				return nil
			}
		}

		for _, ref := range page.Items {
			if ctx.Err() != nil {
				o.interrupt(ex, "cancelled mid-page")
				return nil
			}
			if ex.seen[ref.ExternalID] {
				continue
			}
			ex.seen[ref.ExternalID] = true

			if !o.process(ctx, ex, ref) {
				o.interrupt(ex, "cancelled while processing "+ref.ExternalID)
				return nil
			}
			ex.run.Checkpoint = ref.ExternalID
			if err := o.heartbeat(ctx, ex); err != nil {
				return err
			}
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// carryOver re-resolves the items still pending from earlier runs, which a
// windowed listing would otherwise never return again.
func (o *Orchestrator) carryOver(ctx context.Context, ex *execution) error {
	if ex.scoped || len(ex.state.PendingRetry) == 0 {
		return nil
	}

	ex.log.Info("pidsync: retrying items pending from earlier runs",
		zap.Int("items", len(ex.state.PendingRetry)),
	)
	for _, id := range ex.state.PendingRetry {
		if ctx.Err() != nil {
			return nil
		}
		if ex.seen[id] {
			continue
		}
		ex.seen[id] = true
		if !o.process(ctx, ex, model.ItemRef{ExternalID: id}) {
			return nil
		}
		if err := o.heartbeat(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

// process handles one item end to end. It returns false when ctx was
// cancelled before the item reached an outcome; the item is then left
// for the resumed run.
func (o *Orchestrator) process(ctx context.Context, ex *execution, ref model.ItemRef) bool {
	item, err := resilience.DoVal(ctx, o.retryConfig(ex.run.SourceID, "resolve"), func(ctx context.Context) (model.ExternalItem, error) {
		return ex.reg.src.Resolve(ctx, ref)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		o.fail(ex, ref.ExternalID, ref.PID, err)
		return true
	}
	if item.ExternalID == "" {
		item.ExternalID = ref.ExternalID
	}

	decision := ex.reg.filter.Evaluate(item)
	if !decision.Eligible {
		ex.run.Counts.Fetched++
		ex.tally(decision)
		ex.run.ItemsProcessed = append(ex.run.ItemsProcessed, item.ExternalID)
		ex.log.Debug("pidsync: item skipped",
			zap.String("external_id", item.ExternalID),
			zap.String("reason", string(decision.Reason)),
		)
		return true
	}

	rec := recordFor(ex.run.SourceID, item, decision)
	var result model.UpsertResult
	if ex.run.DryRun {
		result, err = o.predict(ctx, rec)
	} else {
		result, err = resilience.DoVal(ctx, o.retryConfig(ex.run.SourceID, "upsert"), func(ctx context.Context) (model.UpsertResult, error) {
			return o.store.UpsertAuthority(ctx, rec)
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		o.fail(ex, item.ExternalID, rec.PID, err)
		return true
	}

	ex.run.Counts.Fetched++
	ex.tally(decision)
	ex.run.ItemsProcessed = append(ex.run.ItemsProcessed, item.ExternalID)
	switch result.Outcome {
	case model.UpsertNew:
		ex.run.Counts.New++
	case model.UpsertUpdated:
		ex.run.Counts.Updated++
	default:
		ex.run.Counts.Unchanged++
	}

	if result.Collision {
		ex.log.Warn("pidsync: pid collision, record now owned by this source",
			zap.String("pid", rec.PID),
			zap.String("previous_source_id", result.PreviousSourceID),
		)
		o.logError(ex, fmt.Sprintf("warning: pid %s taken over from source %s", rec.PID, result.PreviousSourceID))
	}

	if !ex.run.DryRun && o.handoff != nil && result.Outcome != model.UpsertUnchanged {
		rec.RecordID = result.RecordID
		rec.SyncVersion = result.SyncVersion
		if err := o.handoff.Submit(ctx, rec, decision.EligibleFiles); err != nil {
			o.logError(ex, "handoff "+rec.PID+": "+err.Error())
		}
	}
	return true
}

// predict classifies what an upsert would do without writing it.
func (o *Orchestrator) predict(ctx context.Context, rec *model.AuthorityRecord) (model.UpsertResult, error) {
	existing, err := o.store.GetAuthority(ctx, rec.PID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return model.UpsertResult{Outcome: model.UpsertNew, SyncVersion: 1}, nil
		}
		return model.UpsertResult{}, err
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "pidsync: hash record")
	}
	res := model.UpsertResult{RecordID: existing.RecordID, SyncVersion: existing.SyncVersion}
	if existing.SourceID != rec.SourceID {
		res.Collision = true
		res.PreviousSourceID = existing.SourceID
	}
	if hash == existing.MetadataHash && !res.Collision {
		res.Outcome = model.UpsertUnchanged
		return res, nil
	}
	res.Outcome = model.UpsertUpdated
	res.SyncVersion++
	return res, nil
}

func recordFor(sourceID string, item model.ExternalItem, decision allowlist.Decision) *model.AuthorityRecord {
	return &model.AuthorityRecord{
		PID:               strings.TrimSpace(item.PID),
		SourceID:          sourceID,
		SourceAuthorityID: item.ExternalID,
		Title:             item.Title,
		PublicationYear:   item.PublicationYear,
		AuthorityMetadata: item.Metadata,
		EligibleFiles:     decision.EligibleFiles,
	}
}

// tally folds an evaluated item into the run's file counts.
func (ex *execution) tally(d allowlist.Decision) {
	ex.files.Add(d)
	ex.run.Counts.Skipped = ex.files.Skipped()
	ex.run.Counts.EligibleFiles = ex.files.EligibleFiles
}

// fail records an item that reached no outcome after its retries.
func (o *Orchestrator) fail(ex *execution, id, pid string, err error) {
	class := resilience.ClassifyError(err)
	var itemErr error = &ItemValidationError{ExternalID: id, PID: pid, Err: err}
	if class == "transient" {
		itemErr = &ItemTransientError{ExternalID: id, PID: pid, Err: err}
	}
	ex.run.Counts.Fetched++
	ex.run.Counts.Failed++
	ex.run.ItemsFailed = append(ex.run.ItemsFailed, id)
	o.logError(ex, class+": "+itemErr.Error())
	ex.log.Warn("pidsync: item failed",
		zap.String("external_id", id),
		zap.String("error_class", class),
		zap.Error(itemErr),
	)
}

func (o *Orchestrator) interrupt(ex *execution, reason string) {
	ex.run.Interrupted = true
	o.logError(ex, "interrupted: "+reason)
	ex.log.Warn("pidsync: run interrupted", zap.String("reason", reason), zap.String("checkpoint", ex.run.Checkpoint))
}

func (o *Orchestrator) logError(ex *execution, msg string) {
	switch n := len(ex.run.ErrorLog); {
	case n < maxErrorLog:
		ex.run.ErrorLog = append(ex.run.ErrorLog, msg)
	case n == maxErrorLog:
		ex.run.ErrorLog = append(ex.run.ErrorLog, "error log truncated")
	}
}

// heartbeat persists progress and refreshes the claim every
// CheckpointEvery items, or sooner when a quarter of the stale window has
// passed since the last save.
func (o *Orchestrator) heartbeat(ctx context.Context, ex *execution) error {
	ex.sinceSave++
	now := o.now()
	if ex.sinceSave < o.cfg.CheckpointEvery && now.Sub(ex.lastSave) < o.cfg.StaleClaimAfter/4 {
		return nil
	}
	ex.sinceSave = 0
	ex.lastSave = now
	if err := o.store.SaveCheckpoint(context.WithoutCancel(ctx), ex.run, now.UTC()); err != nil {
		if eris.Is(err, store.ErrClaimLost) || eris.Is(err, store.ErrRunTerminal) {
			return eris.Wrap(store.ErrClaimLost, "pidsync: checkpoint")
		}
		ex.log.Warn("pidsync: save checkpoint", zap.Error(err))
	}
	return nil
}

// finalize computes the terminal status and writes the run together with
// the source's next state.
func (o *Orchestrator) finalize(ctx context.Context, ex *execution) error {
	run := ex.run
	if run.Status == model.SyncStatusRunning {
		run.Status = finalStatus(run)
	}
	completed := o.now().UTC()
	run.CompletedAt = &completed

	state := ex.state
	if cur, err := o.store.GetSyncState(ctx, run.SourceID); err == nil {
		state = *cur
	}

	next := state
	if !run.DryRun {
		next = syncstate.Apply(state, *run)
		switch {
		case ex.scoped:
			next.LastSyncTimestamp = state.LastSyncTimestamp
			next.ResumeCheckpoint = state.ResumeCheckpoint
			next.ResumeWindowStart = state.ResumeWindowStart
		case run.Interrupted:
			next.ResumeCheckpoint = cmp.Or(run.Checkpoint, state.ResumeCheckpoint)
		case run.Status == model.SyncStatusFailed:
			next.ResumeCheckpoint = state.ResumeCheckpoint
		default:
			next.ResumeCheckpoint = ""
		}
	}
	next.ActiveSyncID = ""
	next.ClaimedAt = nil

	if err := o.store.FinalizeRun(ctx, run, next, run.SyncID); err != nil {
		ex.log.Error("pidsync: finalize run", zap.Error(err))
		return eris.Wrap(err, "pidsync: finalize run")
	}

	ex.log.Info("pidsync: run finished",
		zap.String("status", string(run.Status)),
		zap.Int("fetched", run.Counts.Fetched),
		zap.Int("new", run.Counts.New),
		zap.Int("updated", run.Counts.Updated),
		zap.Int("unchanged", run.Counts.Unchanged),
		zap.Int("skipped", run.Counts.Skipped),
		zap.Int("failed", run.Counts.Failed),
		zap.Int("eligible_files", run.Counts.EligibleFiles),
		zap.Any("rejected", ex.files.Rejected),
		zap.Int("pending_retry", len(next.PendingRetry)),
		zap.Duration("duration", run.Duration()),
	)
	return nil
}

func finalStatus(run *model.SyncRun) model.SyncStatus {
	switch c := run.Counts; {
	case run.Interrupted:
		return model.SyncStatusPartial
	case c.Failed == 0:
		return model.SyncStatusCompleted
	case c.Failed >= c.Fetched:
		return model.SyncStatusFailed
	default:
		return model.SyncStatusPartial
	}
}

func (o *Orchestrator) retryConfig(sourceID, operation string) resilience.RetryConfig {
	cfg := o.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(sourceID, operation)
	}
	return cfg
}
