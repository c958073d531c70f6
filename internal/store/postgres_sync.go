package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

const stateColumns = `source_id, last_sync_timestamp, last_sync_id, last_sync_status, consecutive_failures,
	health_status, sync_frequency_secs, next_scheduled_sync, active_sync_id, claimed_at, resume_checkpoint,
	resume_window_start, pending_retry, updated_at`

const runColumns = `sync_id, source_id, mode, status, dry_run, interrupted, started_at, completed_at,
	counts, checkpoint, items_processed, items_failed, error_log`

// EnsureSource registers a source, or refreshes its frequency. A
// non-positive frequency means 24h.
func (s *PostgresStore) EnsureSource(ctx context.Context, sourceID string, frequency time.Duration) (*model.SourceSyncState, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO corpus.source_sync_state (source_id, sync_frequency_secs, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (source_id) DO UPDATE SET sync_frequency_secs = EXCLUDED.sync_frequency_secs`,
		sourceID, frequencySecs(frequency),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure source %s", sourceID)
	}
	return s.GetSyncState(ctx, sourceID)
}

func (s *PostgresStore) GetSyncState(ctx context.Context, sourceID string) (*model.SourceSyncState, error) {
	st, err := scanPgState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM corpus.source_sync_state WHERE source_id = $1`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: sync state %s", sourceID)
	}
	return st, eris.Wrapf(err, "postgres: get sync state %s", sourceID)
}

func (s *PostgresStore) ListSyncStates(ctx context.Context) ([]model.SourceSyncState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateColumns+` FROM corpus.source_sync_state ORDER BY source_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync states")
	}
	defer rows.Close()

	var out []model.SourceSyncState
	for rows.Next() {
		st, err := scanPgState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sync states iterate")
}

func scanPgState(row pgx.Row) (*model.SourceSyncState, error) {
	var st model.SourceSyncState
	var status, health string
	var freqSecs int64
	var pending []byte
	err := row.Scan(&st.SourceID, &st.LastSyncTimestamp, &st.LastSyncID, &status, &st.ConsecutiveFailures,
		&health, &freqSecs, &st.NextScheduledSync, &st.ActiveSyncID, &st.ClaimedAt, &st.ResumeCheckpoint,
		&st.ResumeWindowStart, &pending, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if st.PendingRetry, err = decodePending(pending); err != nil {
		return nil, err
	}
	st.LastSyncStatus = model.SyncStatus(status)
	st.HealthStatus = model.HealthStatus(health)
	st.SyncFrequency = time.Duration(freqSecs) * time.Second
	return &st, nil
}

// ClaimSource hands the source's run claim to syncID if it is currently
// held by expectHolder ("" for a free source). The compare-and-swap is a
// single guarded UPDATE.
func (s *PostgresStore) ClaimSource(ctx context.Context, sourceID, syncID, expectHolder string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE corpus.source_sync_state
		 SET active_sync_id = $2, claimed_at = $3, updated_at = $3
		 WHERE source_id = $1 AND active_sync_id = $4`,
		sourceID, syncID, now, expectHolder,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim source %s", sourceID)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimHeld
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, sourceID, syncID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE corpus.source_sync_state
		 SET active_sync_id = '', claimed_at = NULL, updated_at = now()
		 WHERE source_id = $1 AND active_sync_id = $2`,
		sourceID, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release claim on %s", sourceID)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO corpus.sync_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.SyncID, run.SourceID, string(run.Mode), string(run.Status), run.DryRun, run.Interrupted,
		run.StartedAt, run.CompletedAt, p.counts, run.Checkpoint, p.processed, p.failed, p.errorLog,
	)
	if isUniqueViolation(err) {
		return ErrClaimHeld
	}
	return eris.Wrapf(err, "postgres: create sync run %s", run.SyncID)
}

// SaveCheckpoint persists the run's progress and refreshes the claim's
// heartbeat in one transaction.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, run *model.SyncRun, now time.Time) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save checkpoint: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE corpus.source_sync_state SET claimed_at = $3, updated_at = $3
		 WHERE source_id = $1 AND active_sync_id = $2`,
		run.SourceID, run.SyncID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: heartbeat %s", run.SyncID)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	tag, err = tx.Exec(ctx,
		`UPDATE corpus.sync_runs
		 SET counts = $2, checkpoint = $3, items_processed = $4, items_failed = $5, error_log = $6
		 WHERE sync_id = $1 AND status = 'running'`,
		run.SyncID, p.counts, run.Checkpoint, p.processed, p.failed, p.errorLog,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save checkpoint %s", run.SyncID)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save checkpoint: commit")
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, run *model.SyncRun, next model.SourceSyncState, holder string) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: finalize: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE corpus.sync_runs
		 SET status = $2, completed_at = $3, interrupted = $4, counts = $5, checkpoint = $6,
		     items_processed = $7, items_failed = $8, error_log = $9
		 WHERE sync_id = $1 AND status = 'running'`,
		run.SyncID, string(run.Status), run.CompletedAt, run.Interrupted, p.counts, run.Checkpoint,
		p.processed, p.failed, p.errorLog,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", run.SyncID)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}

	pending, err := json.Marshal(nonNil(next.PendingRetry))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pending retry")
	}
	tag, err = tx.Exec(ctx,
		`UPDATE corpus.source_sync_state
		 SET last_sync_timestamp = $3, last_sync_id = $4, last_sync_status = $5, consecutive_failures = $6,
		     health_status = $7, next_scheduled_sync = $8, active_sync_id = $9, claimed_at = $10,
		     resume_checkpoint = $11, resume_window_start = $12, pending_retry = $13, updated_at = now()
		 WHERE source_id = $1 AND active_sync_id = $2`,
		next.SourceID, holder, next.LastSyncTimestamp, next.LastSyncID, string(next.LastSyncStatus),
		next.ConsecutiveFailures, string(next.HealthStatus), next.NextScheduledSync, next.ActiveSyncID,
		next.ClaimedAt, next.ResumeCheckpoint, next.ResumeWindowStart, pending,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize state %s", next.SourceID)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: finalize: commit")
}

func (s *PostgresStore) GetSyncRun(ctx context.Context, syncID string) (*model.SyncRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM corpus.sync_runs WHERE sync_id = $1`, syncID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: sync run %s", syncID)
	}
	return run, eris.Wrapf(err, "postgres: get sync run %s", syncID)
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM corpus.sync_runs WHERE source_id = $1
		 ORDER BY started_at DESC, sync_id DESC LIMIT $2`,
		sourceID, historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sync runs %s", sourceID)
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sync runs iterate")
}

func scanPgRun(row pgx.Row) (*model.SyncRun, error) {
	var run model.SyncRun
	var mode, status string
	var p runPayload
	err := row.Scan(&run.SyncID, &run.SourceID, &mode, &status, &run.DryRun, &run.Interrupted,
		&run.StartedAt, &run.CompletedAt, &p.counts, &run.Checkpoint, &p.processed, &p.failed, &p.errorLog)
	if err != nil {
		return nil, err
	}
	run.Mode = model.SyncMode(mode)
	run.Status = model.SyncStatus(status)
	return &run, decodeRun(&run, p)
}
