package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *model.CorpusSnapshot) error {
	p, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO corpus_snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.Name, snap.Description, sqlTime(snap.CreatedAt), string(p.pids),
		snap.DocumentCount, snap.ChunkCount, snap.ManifestChecksum, snap.ManifestURI,
		nullBytes(p.yearRange), string(p.yearDist), string(p.stats), nullBytes(p.changes),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot %s", snap.SnapshotID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.CorpusSnapshot, error) {
	snap, err := scanSQLiteSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM corpus_snapshots WHERE snapshot_id = ?`, snapshotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: snapshot %s", snapshotID)
	}
	return snap, eris.Wrapf(err, "sqlite: get snapshot %s", snapshotID)
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*model.CorpusSnapshot, error) {
	snap, err := scanSQLiteSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM corpus_snapshots ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: no snapshots")
	}
	return snap, eris.Wrap(err, "sqlite: latest snapshot")
}

func scanSQLiteSnapshot(row scannable) (*model.CorpusSnapshot, error) {
	var snap model.CorpusSnapshot
	var created, pids, yearDist, stats string
	var yearRange, changes sql.NullString
	err := row.Scan(&snap.SnapshotID, &snap.Name, &snap.Description, &created, &pids,
		&snap.DocumentCount, &snap.ChunkCount, &snap.ManifestChecksum, &snap.ManifestURI, &yearRange,
		&yearDist, &stats, &changes)
	if err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	return &snap, decodeSnapshot(&snap, snapshotPayload{
		pids:      []byte(pids),
		yearRange: []byte(yearRange.String),
		yearDist:  []byte(yearDist),
		stats:     []byte(stats),
		changes:   []byte(changes.String),
	})
}

func (s *SQLiteStore) InsertTrainingRun(ctx context.Context, run *model.TrainingRun) error {
	hyper, err := marshalJSON(orEmpty(run.Hyperparams), "hyperparams")
	if err != nil {
		return err
	}
	pidDist, err := marshalJSON(run.PIDDistribution, "pid distribution")
	if err != nil {
		return err
	}
	yearDist, err := marshalJSON(run.TemporalDistribution, "temporal distribution")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert training run: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO training_runs (`+trainingRunColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ModelName, run.ModelRef, nullIfEmpty(run.SnapshotID), run.TotalChunks, string(hyper),
		string(pidDist), string(yearDist), run.Description, sqlTime(run.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert training run %s", run.RunID)
	}

	for _, id := range run.ChunkIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO training_run_chunks (run_id, chunk_id) VALUES (?, ?)`, run.RunID, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert training run chunk %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert training run: commit")
}

func (s *SQLiteStore) GetTrainingRun(ctx context.Context, runID string) (*model.TrainingRun, error) {
	run, err := scanSQLiteTrainingRun(s.db.QueryRowContext(ctx,
		`SELECT `+trainingRunColumns+` FROM training_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: training run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get training run %s", runID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id FROM training_run_chunks WHERE run_id = ? ORDER BY chunk_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: training run chunks %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan training run chunk %s", runID)
		}
		run.ChunkIDs = append(run.ChunkIDs, id)
	}
	return run, eris.Wrapf(rows.Err(), "sqlite: training run chunks iterate %s", runID)
}

func (s *SQLiteStore) ListTrainingRunsForChunk(ctx context.Context, chunkID string) ([]model.TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.run_id, t.model_name, t.model_ref, t.snapshot_id, t.total_chunks, t.hyperparams,
		        t.pid_distribution, t.temporal_distribution, t.description, t.created_at
		 FROM training_runs t
		 JOIN training_run_chunks tc ON tc.run_id = t.run_id
		 WHERE tc.chunk_id = ?
		 ORDER BY t.created_at, t.run_id`, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: training runs for chunk %s", chunkID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TrainingRun
	for rows.Next() {
		run, err := scanSQLiteTrainingRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan training run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: training runs iterate")
}

func scanSQLiteTrainingRun(row scannable) (*model.TrainingRun, error) {
	var run model.TrainingRun
	var snapshotID sql.NullString
	var hyper, pidDist, yearDist, created string
	err := row.Scan(&run.RunID, &run.ModelName, &run.ModelRef, &snapshotID, &run.TotalChunks, &hyper,
		&pidDist, &yearDist, &run.Description, &created)
	if err != nil {
		return nil, err
	}
	run.SnapshotID = snapshotID.String
	if run.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(hyper), &run.Hyperparams, "hyperparams"); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(pidDist), &run.PIDDistribution, "pid distribution"); err != nil {
		return nil, err
	}
	return &run, decodeJSON([]byte(yearDist), &run.TemporalDistribution, "temporal distribution")
}

func (s *SQLiteStore) InsertInference(ctx context.Context, inf *model.InferenceLog) error {
	topK, err := marshalJSON(nonNil(inf.TopKChunks), "top-k chunks")
	if err != nil {
		return err
	}
	pids, err := marshalJSON(nonNil(inf.SourcePIDs), "source pids")
	if err != nil {
		return err
	}
	years, err := marshalJSON(nonNil(inf.SourceYears), "source years")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert inference: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inference_logs (`+inferenceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inf.InferenceID, inf.Query, inf.Prediction, inf.ModelVersion, nullIfEmpty(inf.TrainingRunID),
		string(topK), string(pids), string(years), inf.SessionID, sqlTime(inf.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert inference %s", inf.InferenceID)
	}

	for i, sc := range inf.TopKChunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inference_chunks (inference_id, chunk_id, rank, similarity) VALUES (?, ?, ?, ?)`,
			inf.InferenceID, sc.ChunkID, i+1, sc.Similarity,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert inference chunk %s", sc.ChunkID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert inference: commit")
}

func (s *SQLiteStore) ListInferencesForChunk(ctx context.Context, chunkID string) ([]model.InferenceLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.inference_id, i.query, i.prediction, i.model_version, i.training_run_id, i.top_k_chunks,
		        i.source_pids, i.source_years, i.session_id, i.created_at
		 FROM inference_logs i
		 JOIN inference_chunks ic ON ic.inference_id = i.inference_id
		 WHERE ic.chunk_id = ?
		 ORDER BY i.created_at, i.inference_id`, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: inferences for chunk %s", chunkID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.InferenceLog
	for rows.Next() {
		var inf model.InferenceLog
		var runID sql.NullString
		var topK, pids, years, created string
		if err := rows.Scan(&inf.InferenceID, &inf.Query, &inf.Prediction, &inf.ModelVersion, &runID,
			&topK, &pids, &years, &inf.SessionID, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan inference")
		}
		inf.TrainingRunID = runID.String
		if inf.CreatedAt, err = parseSQLTime(created); err != nil {
			return nil, err
		}
		if err := decodeInference(&inf, []byte(topK), []byte(pids), []byte(years)); err != nil {
			return nil, err
		}
		out = append(out, inf)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: inferences iterate")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
