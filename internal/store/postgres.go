package store

import (
	"context"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/db"
	"github.com/ddr-archive/corpus-cli/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const postgresMigrationLock = 4_210_337

// PostgresStore implements Store on a pgx pool. All tables live in the
// corpus schema.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to Postgres and returns a store.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, db.MigrationSet{
		FS:     postgresMigrations,
		Dir:    "migrations/postgres",
		Schema: "corpus",
		LockID: postgresMigrationLock,
	}), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const authorityColumns = `record_id, pid, source_id, source_authority_id, title, publication_year,
	authority_metadata, eligible_files, metadata_hash, sync_version, last_synced_at, created_at`

// UpsertAuthority inserts or updates the record keyed by pid. The row is
// locked for the duration of the comparison so concurrent writers for the
// same pid serialize; a concurrent first insert surfaces as a unique
// violation and the upsert is retried once as an update.
func (s *PostgresStore) UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) (model.UpsertResult, error) {
	if strings.TrimSpace(rec.PID) == "" {
		return model.UpsertResult{}, eris.New("postgres: upsert authority: empty pid")
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "postgres: hash authority")
	}
	rec.MetadataHash = hash

	payload, err := encodeAuthority(rec)
	if err != nil {
		return model.UpsertResult{}, err
	}

	res, err := s.upsertAuthority(ctx, rec, payload)
	if isUniqueViolation(err) {
		res, err = s.upsertAuthority(ctx, rec, payload)
	}
	return res, err
}

func (s *PostgresStore) upsertAuthority(ctx context.Context, rec *model.AuthorityRecord, p authorityPayload) (model.UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "postgres: upsert authority: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var (
		recordID, prevSource, prevHash string
		version                        int64
	)
	err = tx.QueryRow(ctx,
		`SELECT record_id, source_id, metadata_hash, sync_version
		 FROM corpus.authority_records WHERE pid = $1 FOR UPDATE`,
		rec.PID,
	).Scan(&recordID, &prevSource, &prevHash, &version)

	var res model.UpsertResult
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		recordID = rec.RecordID
		if recordID == "" {
			recordID = uuid.NewString()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO corpus.authority_records (`+authorityColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)`,
			recordID, rec.PID, rec.SourceID, rec.SourceAuthorityID, rec.Title, rec.PublicationYear,
			p.metadata, p.files, rec.MetadataHash, now,
		)
		if err != nil {
			return res, eris.Wrapf(err, "postgres: insert authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertNew, RecordID: recordID, SyncVersion: 1}
		rec.CreatedAt = now

	case err != nil:
		return res, eris.Wrapf(err, "postgres: lock authority %s", rec.PID)

	case prevHash == rec.MetadataHash && prevSource == rec.SourceID:
		if _, err := tx.Exec(ctx,
			`UPDATE corpus.authority_records SET last_synced_at = $2 WHERE record_id = $1`,
			recordID, now,
		); err != nil {
			return res, eris.Wrapf(err, "postgres: touch authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertUnchanged, RecordID: recordID, SyncVersion: version}

	default:
		if _, err := tx.Exec(ctx,
			`UPDATE corpus.authority_records
			 SET source_id = $2, source_authority_id = $3, title = $4, publication_year = $5,
			     authority_metadata = $6, eligible_files = $7, metadata_hash = $8,
			     sync_version = sync_version + 1, last_synced_at = $9
			 WHERE record_id = $1`,
			recordID, rec.SourceID, rec.SourceAuthorityID, rec.Title, rec.PublicationYear,
			p.metadata, p.files, rec.MetadataHash, now,
		); err != nil {
			return res, eris.Wrapf(err, "postgres: update authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertUpdated, RecordID: recordID, SyncVersion: version + 1}
		if prevSource != rec.SourceID {
			res.Collision = true
			res.PreviousSourceID = prevSource
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "postgres: upsert authority: commit")
	}
	rec.RecordID = res.RecordID
	rec.SyncVersion = res.SyncVersion
	rec.LastSyncedAt = now
	return res, nil
}

func (s *PostgresStore) GetAuthority(ctx context.Context, pid string) (*model.AuthorityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+authorityColumns+` FROM corpus.authority_records WHERE pid = $1`, pid)
	rec, err := scanPgAuthority(row)
	return rec, eris.Wrapf(err, "postgres: get authority %s", pid)
}

func (s *PostgresStore) GetAuthorityByID(ctx context.Context, recordID string) (*model.AuthorityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+authorityColumns+` FROM corpus.authority_records WHERE record_id = $1`, recordID)
	rec, err := scanPgAuthority(row)
	return rec, eris.Wrapf(err, "postgres: get authority record %s", recordID)
}

func scanPgAuthority(row pgx.Row) (*model.AuthorityRecord, error) {
	var rec model.AuthorityRecord
	var p authorityPayload
	err := row.Scan(&rec.RecordID, &rec.PID, &rec.SourceID, &rec.SourceAuthorityID, &rec.Title,
		&rec.PublicationYear, &p.metadata, &p.files, &rec.MetadataHash, &rec.SyncVersion,
		&rec.LastSyncedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, decodeAuthority(&rec, p)
}

var chunkColumns = []string{
	"chunk_id", "record_id", "chunk_index", "text", "source_page", "source_section",
	"extraction_timestamp", "citation", "embedding", "embedding_model",
}

// AttachChunks stores chunks under the record owning pid. Chunks already
// stored under the same chunk_id are left as they are. It returns the
// number of chunks newly stored.
func (s *PostgresStore) AttachChunks(ctx context.Context, pid string, chunks []model.Chunk) (int, error) {
	if strings.TrimSpace(pid) == "" {
		return 0, eris.New("postgres: attach chunks: parent record has no pid")
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	var recordID string
	err := s.pool.QueryRow(ctx, `SELECT record_id FROM corpus.authority_records WHERE pid = $1`, pid).Scan(&recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "postgres: attach chunks: no authority record for pid %s", pid)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: attach chunks: resolve %s", pid)
	}

	rows := make([][]any, 0, len(chunks))
	for _, c := range chunks {
		if c.ChunkID == "" {
			return 0, eris.Errorf("postgres: attach chunks: chunk %d of %s has no id", c.ChunkIndex, pid)
		}
		ts := c.ExtractionTimestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		rows = append(rows, []any{
			c.ChunkID, recordID, c.ChunkIndex, c.Text, c.SourcePage, c.SourceSection,
			ts, c.Citation, c.EmbeddingVector, c.EmbeddingModel,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "corpus.chunks",
		Columns:      chunkColumns,
		ConflictKeys: []string{"chunk_id"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: attach chunks to %s", pid)
	}
	return int(n), nil
}

const chunkSelect = `SELECT c.chunk_id, c.record_id, r.pid, c.chunk_index, c.text, c.source_page,
	c.source_section, c.extraction_timestamp, c.citation, c.embedding, c.embedding_model, r.publication_year
	FROM corpus.chunks c JOIN corpus.authority_records r ON r.record_id = c.record_id`

func (s *PostgresStore) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	c, err := scanPgChunk(s.pool.QueryRow(ctx, chunkSelect+` WHERE c.chunk_id = $1`, chunkID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: chunk %s", chunkID)
	}
	return c, eris.Wrapf(err, "postgres: get chunk %s", chunkID)
}

func (s *PostgresStore) GetChunks(ctx context.Context, chunkIDs []string) ([]model.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, chunkSelect+` WHERE c.chunk_id = ANY($1) ORDER BY c.chunk_id`, chunkIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get chunks")
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		c, err := scanPgChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get chunks iterate")
}

func scanPgChunk(row pgx.Row) (*model.Chunk, error) {
	var c model.Chunk
	err := row.Scan(&c.ChunkID, &c.RecordID, &c.PID, &c.ChunkIndex, &c.Text, &c.SourcePage,
		&c.SourceSection, &c.ExtractionTimestamp, &c.Citation, &c.EmbeddingVector, &c.EmbeddingModel,
		&c.PublicationYear)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCorpus returns every pid-bearing record joined with its chunks, one
// entry per chunk and one chunkless entry for records without chunks. Rows
// come back in no particular order.
func (s *PostgresStore) ListCorpus(ctx context.Context) ([]model.CorpusEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.pid, COALESCE(c.chunk_id, ''), COALESCE(c.text, ''), r.publication_year
		 FROM corpus.authority_records r
		 LEFT JOIN corpus.chunks c ON c.record_id = r.record_id
		 WHERE r.pid <> ''`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list corpus")
	}
	defer rows.Close()

	var out []model.CorpusEntry
	for rows.Next() {
		var e model.CorpusEntry
		if err := rows.Scan(&e.PID, &e.ChunkID, &e.Text, &e.PublicationYear); err != nil {
			return nil, eris.Wrap(err, "postgres: scan corpus entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list corpus iterate")
}

var _ Store = (*PostgresStore)(nil)
