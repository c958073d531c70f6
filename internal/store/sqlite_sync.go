package store

import (
	"context"
	"encoding/json"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

func (s *SQLiteStore) EnsureSource(ctx context.Context, sourceID string, frequency time.Duration) (*model.SourceSyncState, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_sync_state (source_id, sync_frequency_secs, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET sync_frequency_secs = excluded.sync_frequency_secs`,
		sourceID, frequencySecs(frequency), sqlTime(time.Now()),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure source %s", sourceID)
	}
	return s.GetSyncState(ctx, sourceID)
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, sourceID string) (*model.SourceSyncState, error) {
	st, err := scanSQLiteState(s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM source_sync_state WHERE source_id = ?`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: sync state %s", sourceID)
	}
	return st, eris.Wrapf(err, "sqlite: get sync state %s", sourceID)
}

func (s *SQLiteStore) ListSyncStates(ctx context.Context) ([]model.SourceSyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM source_sync_state ORDER BY source_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync states")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceSyncState
	for rows.Next() {
		st, err := scanSQLiteState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sync states iterate")
}

func scanSQLiteState(row scannable) (*model.SourceSyncState, error) {
	var st model.SourceSyncState
	var status, health, updated string
	var freqSecs int64
	var lastTS, nextTS, claimed, windowStart sql.NullString
	var pending string
	err := row.Scan(&st.SourceID, &lastTS, &st.LastSyncID, &status, &st.ConsecutiveFailures,
		&health, &freqSecs, &nextTS, &st.ActiveSyncID, &claimed, &st.ResumeCheckpoint,
		&windowStart, &pending, &updated)
	if err != nil {
		return nil, err
	}
	st.LastSyncStatus = model.SyncStatus(status)
	st.HealthStatus = model.HealthStatus(health)
	st.SyncFrequency = time.Duration(freqSecs) * time.Second
	if st.LastSyncTimestamp, err = parseSQLTimePtr(lastTS); err != nil {
		return nil, err
	}
	if st.NextScheduledSync, err = parseSQLTimePtr(nextTS); err != nil {
		return nil, err
	}
	if st.ClaimedAt, err = parseSQLTimePtr(claimed); err != nil {
		return nil, err
	}
	if st.ResumeWindowStart, err = parseSQLTimePtr(windowStart); err != nil {
		return nil, err
	}
	if st.PendingRetry, err = decodePending([]byte(pending)); err != nil {
		return nil, err
	}
	st.UpdatedAt, err = parseSQLTime(updated)
	return &st, err
}

func (s *SQLiteStore) ClaimSource(ctx context.Context, sourceID, syncID, expectHolder string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_sync_state
		 SET active_sync_id = ?, claimed_at = ?, updated_at = ?
		 WHERE source_id = ? AND active_sync_id = ?`,
		syncID, sqlTime(now), sqlTime(now), sourceID, expectHolder,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim source %s", sourceID)
	}
	return checkRowsAffected(res, ErrClaimHeld)
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, sourceID, syncID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_sync_state
		 SET active_sync_id = '', claimed_at = NULL, updated_at = ?
		 WHERE source_id = ? AND active_sync_id = ?`,
		sqlTime(time.Now()), sourceID, syncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release claim on %s", sourceID)
	}
	return checkRowsAffected(res, ErrClaimLost)
}

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SyncID, run.SourceID, string(run.Mode), string(run.Status), run.DryRun, run.Interrupted,
		sqlTime(run.StartedAt), sqlTimePtr(run.CompletedAt), string(p.counts), run.Checkpoint,
		string(p.processed), string(p.failed), string(p.errorLog),
	)
	if isSQLiteUnique(err) {
		return ErrClaimHeld
	}
	return eris.Wrapf(err, "sqlite: create sync run %s", run.SyncID)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, run *model.SyncRun, now time.Time) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save checkpoint: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE source_sync_state SET claimed_at = ?, updated_at = ?
		 WHERE source_id = ? AND active_sync_id = ?`,
		sqlTime(now), sqlTime(now), run.SourceID, run.SyncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: heartbeat %s", run.SyncID)
	}
	if err := checkRowsAffected(res, ErrClaimLost); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE sync_runs
		 SET counts = ?, checkpoint = ?, items_processed = ?, items_failed = ?, error_log = ?
		 WHERE sync_id = ? AND status = 'running'`,
		string(p.counts), run.Checkpoint, string(p.processed), string(p.failed), string(p.errorLog), run.SyncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save checkpoint %s", run.SyncID)
	}
	if err := checkRowsAffected(res, ErrRunTerminal); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: save checkpoint: commit")
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *model.SyncRun, next model.SourceSyncState, holder string) error {
	p, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: finalize: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sync_runs
		 SET status = ?, completed_at = ?, interrupted = ?, counts = ?, checkpoint = ?,
		     items_processed = ?, items_failed = ?, error_log = ?
		 WHERE sync_id = ? AND status = 'running'`,
		string(run.Status), sqlTimePtr(run.CompletedAt), run.Interrupted, string(p.counts), run.Checkpoint,
		string(p.processed), string(p.failed), string(p.errorLog), run.SyncID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", run.SyncID)
	}
	if err := checkRowsAffected(res, ErrRunTerminal); err != nil {
		return err
	}

	pending, err := json.Marshal(nonNil(next.PendingRetry))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pending retry")
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE source_sync_state
		 SET last_sync_timestamp = ?, last_sync_id = ?, last_sync_status = ?, consecutive_failures = ?,
		     health_status = ?, next_scheduled_sync = ?, active_sync_id = ?, claimed_at = ?,
		     resume_checkpoint = ?, resume_window_start = ?, pending_retry = ?, updated_at = ?
		 WHERE source_id = ? AND active_sync_id = ?`,
		sqlTimePtr(next.LastSyncTimestamp), next.LastSyncID, string(next.LastSyncStatus),
		next.ConsecutiveFailures, string(next.HealthStatus), sqlTimePtr(next.NextScheduledSync),
		next.ActiveSyncID, sqlTimePtr(next.ClaimedAt), next.ResumeCheckpoint,
		sqlTimePtr(next.ResumeWindowStart), string(pending), sqlTime(time.Now()),
		next.SourceID, holder,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize state %s", next.SourceID)
	}
	if err := checkRowsAffected(res, ErrClaimLost); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: finalize: commit")
}

func (s *SQLiteStore) GetSyncRun(ctx context.Context, syncID string) (*model.SyncRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE sync_id = ?`, syncID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: sync run %s", syncID)
	}
	return run, eris.Wrapf(err, "sqlite: get sync run %s", syncID)
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE source_id = ?
		 ORDER BY started_at DESC, sync_id DESC LIMIT ?`,
		sourceID, historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sync runs %s", sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sync runs iterate")
}

func scanSQLiteRun(row scannable) (*model.SyncRun, error) {
	var run model.SyncRun
	var mode, status, started string
	var completed sql.NullString
	var counts, processed, failed, errorLog string
	err := row.Scan(&run.SyncID, &run.SourceID, &mode, &status, &run.DryRun, &run.Interrupted,
		&started, &completed, &counts, &run.Checkpoint, &processed, &failed, &errorLog)
	if err != nil {
		return nil, err
	}
	run.Mode = model.SyncMode(mode)
	run.Status = model.SyncStatus(status)
	if run.StartedAt, err = parseSQLTime(started); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseSQLTimePtr(completed); err != nil {
		return nil, err
	}
	return &run, decodeRun(&run, runPayload{
		counts:    []byte(counts),
		processed: []byte(processed),
		failed:    []byte(failed),
		errorLog:  []byte(errorLog),
	})
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
