package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/db"
	"github.com/ddr-archive/corpus-cli/internal/model"
)

const snapshotColumns = `snapshot_id, name, description, created_at, pid_list, document_count, chunk_count,
	manifest_checksum, manifest_uri, year_range, year_distribution, statistics, changes_since_last`

const trainingRunColumns = `run_id, model_name, model_ref, snapshot_id, total_chunks, hyperparams,
	pid_distribution, temporal_distribution, description, created_at`

const inferenceColumns = `inference_id, query, prediction, model_version, training_run_id, top_k_chunks,
	source_pids, source_years, session_id, created_at`

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.CorpusSnapshot) error {
	p, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO corpus.corpus_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		snap.SnapshotID, snap.Name, snap.Description, snap.CreatedAt, p.pids, snap.DocumentCount,
		snap.ChunkCount, snap.ManifestChecksum, snap.ManifestURI, p.yearRange, p.yearDist, p.stats, p.changes,
	)
	return eris.Wrapf(err, "postgres: insert snapshot %s", snap.SnapshotID)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.CorpusSnapshot, error) {
	snap, err := scanPgSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM corpus.corpus_snapshots WHERE snapshot_id = $1`, snapshotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: snapshot %s", snapshotID)
	}
	return snap, eris.Wrapf(err, "postgres: get snapshot %s", snapshotID)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.CorpusSnapshot, error) {
	snap, err := scanPgSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM corpus.corpus_snapshots ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: no snapshots")
	}
	return snap, eris.Wrap(err, "postgres: latest snapshot")
}

func scanPgSnapshot(row pgx.Row) (*model.CorpusSnapshot, error) {
	var snap model.CorpusSnapshot
	var p snapshotPayload
	err := row.Scan(&snap.SnapshotID, &snap.Name, &snap.Description, &snap.CreatedAt, &p.pids,
		&snap.DocumentCount, &snap.ChunkCount, &snap.ManifestChecksum, &snap.ManifestURI, &p.yearRange,
		&p.yearDist, &p.stats, &p.changes)
	if err != nil {
		return nil, err
	}
	return &snap, decodeSnapshot(&snap, p)
}

// InsertTrainingRun writes the run and its chunk set in one transaction.
func (s *PostgresStore) InsertTrainingRun(ctx context.Context, run *model.TrainingRun) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: insert training run: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO corpus.training_runs (`+trainingRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.RunID, run.ModelName, run.ModelRef, nullIfEmpty(run.SnapshotID), run.TotalChunks, hyper,
		pidDist, yearDist, run.Description, run.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert training run %s", run.RunID)
	}

	rows := make([][]any, len(run.ChunkIDs))
	for i, id := range run.ChunkIDs {
		rows[i] = []any{run.RunID, id}
	}
	if _, err := db.CopyFrom(ctx, tx, "corpus.training_run_chunks", []string{"run_id", "chunk_id"}, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert training run chunks %s", run.RunID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: insert training run: commit")
}

func (s *PostgresStore) GetTrainingRun(ctx context.Context, runID string) (*model.TrainingRun, error) {
	run, err := scanPgTrainingRun(s.pool.QueryRow(ctx,
		`SELECT `+trainingRunColumns+` FROM corpus.training_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: training run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get training run %s", runID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id FROM corpus.training_run_chunks WHERE run_id = $1 ORDER BY chunk_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: training run chunks %s", runID)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan training run chunks %s", runID)
	}
	run.ChunkIDs = ids
	return run, nil
}

// ListTrainingRunsForChunk returns the runs whose chunk set contains
// chunkID, oldest first. ChunkIDs is left empty; TotalChunks is set.
func (s *PostgresStore) ListTrainingRunsForChunk(ctx context.Context, chunkID string) ([]model.TrainingRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.run_id, t.model_name, t.model_ref, t.snapshot_id, t.total_chunks, t.hyperparams,
		        t.pid_distribution, t.temporal_distribution, t.description, t.created_at
		 FROM corpus.training_runs t
		 JOIN corpus.training_run_chunks tc ON tc.run_id = t.run_id
		 WHERE tc.chunk_id = $1
		 ORDER BY t.created_at, t.run_id`, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: training runs for chunk %s", chunkID)
	}
	defer rows.Close()

	var out []model.TrainingRun
	for rows.Next() {
		run, err := scanPgTrainingRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan training run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: training runs iterate")
}

func scanPgTrainingRun(row pgx.Row) (*model.TrainingRun, error) {
	var run model.TrainingRun
	var snapshotID *string
	var hyper, pidDist, yearDist []byte
	err := row.Scan(&run.RunID, &run.ModelName, &run.ModelRef, &snapshotID, &run.TotalChunks, &hyper,
		&pidDist, &yearDist, &run.Description, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if snapshotID != nil {
		run.SnapshotID = *snapshotID
	}
	if err := decodeJSON(hyper, &run.Hyperparams, "hyperparams"); err != nil {
		return nil, err
	}
	if err := decodeJSON(pidDist, &run.PIDDistribution, "pid distribution"); err != nil {
		return nil, err
	}
	return &run, decodeJSON(yearDist, &run.TemporalDistribution, "temporal distribution")
}

// InsertInference writes the log and its chunk references in one transaction.
func (s *PostgresStore) InsertInference(ctx context.Context, inf *model.InferenceLog) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: insert inference: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO corpus.inference_logs (`+inferenceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inf.InferenceID, inf.Query, inf.Prediction, inf.ModelVersion, nullIfEmpty(inf.TrainingRunID),
		topK, pids, years, inf.SessionID, inf.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert inference %s", inf.InferenceID)
	}

	rows := make([][]any, len(inf.TopKChunks))
	for i, sc := range inf.TopKChunks {
		rows[i] = []any{inf.InferenceID, sc.ChunkID, i + 1, sc.Similarity}
	}
	if _, err := db.CopyFrom(ctx, tx, "corpus.inference_chunks",
		[]string{"inference_id", "chunk_id", "rank", "similarity"}, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert inference chunks %s", inf.InferenceID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: insert inference: commit")
}

func (s *PostgresStore) ListInferencesForChunk(ctx context.Context, chunkID string) ([]model.InferenceLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT i.inference_id, i.query, i.prediction, i.model_version, i.training_run_id, i.top_k_chunks,
		        i.source_pids, i.source_years, i.session_id, i.created_at
		 FROM corpus.inference_logs i
		 JOIN corpus.inference_chunks ic ON ic.inference_id = i.inference_id
		 WHERE ic.chunk_id = $1
		 ORDER BY i.created_at, i.inference_id`, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: inferences for chunk %s", chunkID)
	}
	defer rows.Close()

	var out []model.InferenceLog
	for rows.Next() {
		var inf model.InferenceLog
		var runID *string
		var topK, pids, years []byte
		if err := rows.Scan(&inf.InferenceID, &inf.Query, &inf.Prediction, &inf.ModelVersion, &runID,
			&topK, &pids, &years, &inf.SessionID, &inf.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan inference")
		}
		if runID != nil {
			inf.TrainingRunID = *runID
		}
		if err := decodeInference(&inf, topK, pids, years); err != nil {
			return nil, err
		}
		out = append(out, inf)
	}
	return out, eris.Wrap(rows.Err(), "postgres: inferences iterate")
}

func decodeInference(inf *model.InferenceLog, topK, pids, years []byte) error {
	if err := decodeJSON(topK, &inf.TopKChunks, "top-k chunks"); err != nil {
		return err
	}
	if err := decodeJSON(pids, &inf.SourcePIDs, "source pids"); err != nil {
		return err
	}
	return decodeJSON(years, &inf.SourceYears, "source years")
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
