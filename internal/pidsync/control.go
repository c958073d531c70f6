package pidsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/store"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

// Trigger claims the source and starts the run in the background. It
// returns once the run row exists, so a ConcurrentRunError surfaces to the
// caller instead of the background goroutine. The run outlives the caller's
// ctx; stop it with Cancel or Shutdown.
func (o *Orchestrator) Trigger(ctx context.Context, sourceID string, mode model.SyncMode, opts RunOptions) (string, error) {
	if o.baseCtx.Err() != nil {
		return "", ErrShutdown
	}
	j, err := o.start(ctx, sourceID, mode, opts)
	if err != nil {
		return "", err
	}
	if err := o.launch(ctx, j); err != nil {
		return "", err
	}
	return j.run.SyncID, nil
}

// launch hands a started job to a background goroutine. Shutdown may have
// begun while the job was claiming; the check and the WaitGroup add happen
// under o.mu so Shutdown either waits for the job or the job never runs.
func (o *Orchestrator) launch(ctx context.Context, j *job) error {
	o.mu.Lock()
	if o.baseCtx.Err() != nil {
		o.mu.Unlock()
		if err := o.discard(context.WithoutCancel(ctx), j, "orchestrator shut down"); err != nil {
			j.log.Error("pidsync: discard run", zap.Error(err))
		}
		return ErrShutdown
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.active[j.run.SyncID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.untrack(j.run.SyncID)
		if _, err := o.execute(runCtx, j); err != nil {
			j.log.Error("pidsync: background run failed", zap.Error(err))
		}
	}()
	return nil
}

// discard finalizes a claimed run that never executed. The claim is
// released and the source's sync history is left as it was.
func (o *Orchestrator) discard(ctx context.Context, j *job, reason string) error {
	run := j.run
	run.Status = model.SyncStatusFailed
	completed := o.now().UTC()
	run.CompletedAt = &completed
	run.ErrorLog = append(run.ErrorLog, "not started: "+reason)

	next := j.state
	if cur, err := o.store.GetSyncState(ctx, run.SourceID); err == nil {
		next = *cur
	}
	next.ActiveSyncID = ""
	next.ClaimedAt = nil
	if err := o.store.FinalizeRun(ctx, run, next, run.SyncID); err != nil {
		return eris.Wrap(err, "pidsync: discard run")
	}
	j.log.Info("pidsync: run discarded", zap.String("reason", reason))
	return nil
}

// Cancel interrupts an active run started by this orchestrator. It reports
// whether the run was found.
func (o *Orchestrator) Cancel(syncID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[syncID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of runs executing in this process.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown interrupts every background run and waits for them to finalize
// or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.baseCancel()
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pidsync: shutdown")
	}
}

// SourceStatus is the observable state of one source.
type SourceStatus struct {
	State     model.SourceSyncState `json:"state"`
	Alert     model.AlertStatus     `json:"alert_status"`
	Overdue   bool                  `json:"overdue"`
	ActiveRun *model.SyncRun        `json:"active_run,omitempty"`
	LastRun   *model.SyncRun        `json:"last_run,omitempty"`
}

// Status reports a source's sync state with the alert status derived at
// read time.
func (o *Orchestrator) Status(ctx context.Context, sourceID string) (*SourceStatus, error) {
	state, err := o.store.GetSyncState(ctx, sourceID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			if _, regErr := o.registration(sourceID); regErr != nil {
				return nil, regErr
			}
			fresh := syncstate.New(sourceID, o.frequency(sourceID))
			state = &fresh
		} else {
			return nil, eris.Wrap(err, "pidsync: status")
		}
	}

	now := o.now()
	st := &SourceStatus{
		State:   *state,
		Alert:   syncstate.Alert(*state, now),
		Overdue: syncstate.Overdue(*state, now),
	}
	if state.ActiveSyncID != "" {
		if run, err := o.store.GetSyncRun(ctx, state.ActiveSyncID); err == nil {
			st.ActiveRun = run
		}
	}
	if state.LastSyncID != "" {
		if run, err := o.store.GetSyncRun(ctx, state.LastSyncID); err == nil {
			st.LastRun = run
		}
	}
	return st, nil
}

// StatusAll reports every source known to the store or registered here.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]SourceStatus, error) {
	states, err := o.store.ListSyncStates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pidsync: list states")
	}
	known := make(map[string]bool, len(states))
	out := make([]SourceStatus, 0, len(states))
	now := o.now()
	for _, s := range states {
		known[s.SourceID] = true
		out = append(out, SourceStatus{
			State:   s,
			Alert:   syncstate.Alert(s, now),
			Overdue: syncstate.Overdue(s, now),
		})
	}
	for _, id := range o.Sources() {
		if known[id] {
			continue
		}
		s := syncstate.New(id, o.frequency(id))
		out = append(out, SourceStatus{State: s, Alert: syncstate.Alert(s, now)})
	}
	return out, nil
}

// History returns the source's runs, newest first.
func (o *Orchestrator) History(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error) {
	runs, err := o.store.ListSyncRuns(ctx, sourceID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pidsync: history")
	}
	return runs, nil
}

func (o *Orchestrator) frequency(sourceID string) time.Duration {
	reg, err := o.registration(sourceID)
	if err != nil {
		return 0
	}
	return reg.frequency
}
