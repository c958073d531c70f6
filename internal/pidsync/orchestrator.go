// Package pidsync runs PID-gated sync runs: it streams candidate items from
// an external source, gates them through the allowlist, upserts the
// survivors into the authority store and records the run and the source's
// health state.
package pidsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/allowlist"
	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
	"github.com/ddr-archive/corpus-cli/internal/source"
	"github.com/ddr-archive/corpus-cli/internal/store"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

const (
	// DefaultCheckpointEvery is the number of items between checkpoint saves.
	DefaultCheckpointEvery = 25

	// DefaultStaleClaimAfter is how long a claim may go without a heartbeat
	// before another run may take the source over.
	DefaultStaleClaimAfter = 60 * time.Minute

	// maxErrorLog caps the error log of a single run.
	maxErrorLog = 500
)

// Config tunes the orchestrator.
type Config struct {
	CheckpointEvery int
	StaleClaimAfter time.Duration
	Retry           resilience.RetryConfig
	PageSize        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointEvery: DefaultCheckpointEvery,
		StaleClaimAfter: DefaultStaleClaimAfter,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// RunOptions narrows a single run.
type RunOptions struct {
	// PIDs limits a manual run to the given pids and bypasses the
	// incremental window.
	PIDs []string
	// DryRun evaluates and predicts outcomes without writing records.
	DryRun bool
	// SyncID overrides the generated run id.
	SyncID string
}

type registration struct {
	src       source.Source
	filter    *allowlist.Filter
	frequency time.Duration
}

// Orchestrator coordinates sync runs across registered sources. Runs of
// different sources may proceed concurrently; each source admits at most
// one active run, enforced through the store's claim.
type Orchestrator struct {
	store   store.Store
	handoff Handoff
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	sources map[string]registration
	active  map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an Orchestrator. handoff may be nil when no extraction
// pipeline is attached.
func New(st store.Store, handoff Handoff, cfg Config) *Orchestrator {
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = DefaultStaleClaimAfter
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      st,
		handoff:    handoff,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "pidsync")),
		now:        time.Now,
		sources:    make(map[string]registration),
		active:     make(map[string]context.CancelFunc),
		baseCtx:    base,
		baseCancel: cancel,
	}
}

// Register makes a source available for sync runs. A nil filter uses the
// default PID pattern.
func (o *Orchestrator) Register(sourceID string, src source.Source, filter *allowlist.Filter, frequency time.Duration) {
	if filter == nil {
		filter = allowlist.New(nil)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[sourceID] = registration{src: src, filter: filter, frequency: frequency}
}

// Sources returns the registered source ids in sorted order.
func (o *Orchestrator) Sources() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sources))
	for id := range o.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) registration(sourceID string) (registration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.sources[sourceID]
	if !ok {
		return registration{}, eris.Wrapf(ErrUnknownSource, "pidsync: %s", sourceID)
	}
	return reg, nil
}

// Run executes one sync run of the source to completion and returns the
// finalized run. Cancelling ctx interrupts the run, which is then finalized
// as partial with a resumable checkpoint.
func (o *Orchestrator) Run(ctx context.Context, sourceID string, mode model.SyncMode, opts RunOptions) (*model.SyncRun, error) {
	job, err := o.start(ctx, sourceID, mode, opts)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(job.run.SyncID, cancel)
	defer o.untrack(job.run.SyncID)

	return o.execute(runCtx, job)
}

// job is a claimed, created run waiting to execute.
type job struct {
	reg   registration
	state model.SourceSyncState
	run   *model.SyncRun
	opts  RunOptions
	log   *zap.Logger
}

// start claims the source and creates the run row.
func (o *Orchestrator) start(ctx context.Context, sourceID string, mode model.SyncMode, opts RunOptions) (*job, error) {
	reg, err := o.registration(sourceID)
	if err != nil {
		return nil, err
	}
	if _, err := model.ParseSyncMode(string(mode)); err != nil {
		return nil, eris.Wrap(err, "pidsync: start")
	}

	syncID := opts.SyncID
	if syncID == "" {
		syncID = uuid.NewString()
	}

	state, err := o.claim(ctx, sourceID, syncID, reg.frequency)
	if err != nil {
		return nil, err
	}

	run := &model.SyncRun{
		SyncID:    syncID,
		SourceID:  sourceID,
		Mode:      mode,
		Status:    model.SyncStatusRunning,
		DryRun:    opts.DryRun,
		StartedAt: o.now().UTC(),
	}
	if err := o.store.CreateSyncRun(ctx, run); err != nil {
		if relErr := o.store.ReleaseClaim(context.WithoutCancel(ctx), sourceID, syncID); relErr != nil {
			o.log.Warn("pidsync: release claim after failed create", zap.String("source_id", sourceID), zap.Error(relErr))
		}
		if eris.Is(err, store.ErrClaimHeld) {
			return nil, &ConcurrentRunError{SourceID: sourceID}
		}
		return nil, eris.Wrap(err, "pidsync: create sync run")
	}

	log := o.log.With(
		zap.String("sync_id", syncID),
		zap.String("source_id", sourceID),
		zap.String("mode", string(mode)),
		zap.Bool("dry_run", opts.DryRun),
	)
	log.Info("pidsync: run started")
	return &job{reg: reg, state: *state, run: run, opts: opts, log: log}, nil
}

// claim takes the source's run claim for syncID, taking over a stale claim
// when the previous holder stopped heartbeating.
func (o *Orchestrator) claim(ctx context.Context, sourceID, syncID string, frequency time.Duration) (*model.SourceSyncState, error) {
	state, err := o.store.EnsureSource(ctx, sourceID, frequency)
	if err != nil {
		return nil, eris.Wrap(err, "pidsync: ensure source")
	}

	now := o.now().UTC()
	holder := state.ActiveSyncID
	if holder != "" && !o.stale(*state, now) {
		return nil, &ConcurrentRunError{SourceID: sourceID, ActiveSyncID: holder}
	}

	if err := o.store.ClaimSource(ctx, sourceID, syncID, holder, now); err != nil {
		if eris.Is(err, store.ErrClaimHeld) {
			return nil, o.concurrentError(ctx, sourceID)
		}
		return nil, eris.Wrap(err, "pidsync: claim source")
	}

	if holder != "" {
		o.log.Warn("pidsync: took over stale claim",
			zap.String("source_id", sourceID),
			zap.String("stale_sync_id", holder),
			zap.String("sync_id", syncID),
		)
		if err := o.abandon(ctx, *state, holder, syncID, now); err != nil {
			o.log.Error("pidsync: finalize abandoned run", zap.String("stale_sync_id", holder), zap.Error(err))
		}
	}

	claimed, err := o.store.GetSyncState(ctx, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "pidsync: read claimed state")
	}
	return claimed, nil
}

func (o *Orchestrator) stale(state model.SourceSyncState, now time.Time) bool {
	if state.ClaimedAt == nil {
		return true
	}
	return now.Sub(*state.ClaimedAt) > o.cfg.StaleClaimAfter
}

func (o *Orchestrator) concurrentError(ctx context.Context, sourceID string) error {
	cur, err := o.store.GetSyncState(ctx, sourceID)
	if err != nil {
		return &ConcurrentRunError{SourceID: sourceID}
	}
	return &ConcurrentRunError{SourceID: sourceID, ActiveSyncID: cur.ActiveSyncID}
}

// abandon finalizes a run whose process died holding the claim. The run
// counts as failed and its checkpoint carries over to the taking run.
func (o *Orchestrator) abandon(ctx context.Context, state model.SourceSyncState, staleID, newID string, now time.Time) error {
	stale, err := o.store.GetSyncRun(ctx, staleID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil
		}
		return eris.Wrap(err, "pidsync: load abandoned run")
	}
	if stale.Status.Terminal() {
		return nil
	}

	stale.Status = model.SyncStatusFailed
	stale.Interrupted = true
	completed := now
	stale.CompletedAt = &completed
	stale.ErrorLog = append(stale.ErrorLog, "abandoned: claim went stale and was taken over by "+newID)

	next := state
	if !stale.DryRun {
		next = syncstate.Apply(state, *stale)
	}
	claimedAt := now
	next.ActiveSyncID = newID
	next.ClaimedAt = &claimedAt
	if stale.Checkpoint != "" {
		next.ResumeCheckpoint = stale.Checkpoint
	}
	return o.store.FinalizeRun(ctx, stale, next, newID)
}

func (o *Orchestrator) track(syncID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[syncID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(syncID string) {
	o.mu.Lock()
	delete(o.active, syncID)
	o.mu.Unlock()
}
