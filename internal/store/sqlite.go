package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// sqliteTime is a fixed-width UTC layout, so stored timestamps sort
// lexically in time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as sqliteTime text and JSON columns as text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database file. Every connection gets WAL mode,
// a busy timeout and foreign keys; transactions take the write lock up front.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; callers must not issue
	// queries on s.db while holding a transaction.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate applies the embedded migrations not yet recorded in schema_migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return eris.Wrap(err, "sqlite: query applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: scan migration row")
		}
		applied[name] = true
	}
	rows.Close() //nolint:errcheck

	entries, err := fs.ReadDir(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: read migration dir")
	}
	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := sqliteMigrations.ReadFile(path.Join("migrations/sqlite", name))
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`, name, sqlTime(time.Now()),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", name)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) (model.UpsertResult, error) {
	if strings.TrimSpace(rec.PID) == "" {
		return model.UpsertResult{}, eris.New("sqlite: upsert authority: empty pid")
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "sqlite: hash authority")
	}
	rec.MetadataHash = hash

	p, err := encodeAuthority(rec)
	if err != nil {
		return model.UpsertResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "sqlite: upsert authority: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var (
		recordID, prevSource, prevHash string
		version                        int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT record_id, source_id, metadata_hash, sync_version FROM authority_records WHERE pid = ?`,
		rec.PID,
	).Scan(&recordID, &prevSource, &prevHash, &version)

	var res model.UpsertResult
	switch {
	case errors.Is(err, sql.ErrNoRows):
		recordID = rec.RecordID
		if recordID == "" {
			recordID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO authority_records (`+authorityColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			recordID, rec.PID, rec.SourceID, rec.SourceAuthorityID, rec.Title, rec.PublicationYear,
			string(p.metadata), string(p.files), rec.MetadataHash, sqlTime(now), sqlTime(now),
		)
		if err != nil {
			return res, eris.Wrapf(err, "sqlite: insert authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertNew, RecordID: recordID, SyncVersion: 1}
		rec.CreatedAt = now

	case err != nil:
		return res, eris.Wrapf(err, "sqlite: read authority %s", rec.PID)

	case prevHash == rec.MetadataHash && prevSource == rec.SourceID:
		if _, err := tx.ExecContext(ctx,
			`UPDATE authority_records SET last_synced_at = ? WHERE record_id = ?`, sqlTime(now), recordID,
		); err != nil {
			return res, eris.Wrapf(err, "sqlite: touch authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertUnchanged, RecordID: recordID, SyncVersion: version}

	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE authority_records
			 SET source_id = ?, source_authority_id = ?, title = ?, publication_year = ?,
			     authority_metadata = ?, eligible_files = ?, metadata_hash = ?,
			     sync_version = sync_version + 1, last_synced_at = ?
			 WHERE record_id = ?`,
			rec.SourceID, rec.SourceAuthorityID, rec.Title, rec.PublicationYear,
			string(p.metadata), string(p.files), rec.MetadataHash, sqlTime(now), recordID,
		); err != nil {
			return res, eris.Wrapf(err, "sqlite: update authority %s", rec.PID)
		}
		res = model.UpsertResult{Outcome: model.UpsertUpdated, RecordID: recordID, SyncVersion: version + 1}
		if prevSource != rec.SourceID {
			res.Collision = true
			res.PreviousSourceID = prevSource
		}
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "sqlite: upsert authority: commit")
	}
	rec.RecordID = res.RecordID
	rec.SyncVersion = res.SyncVersion
	rec.LastSyncedAt = now
	return res, nil
}

func (s *SQLiteStore) GetAuthority(ctx context.Context, pid string) (*model.AuthorityRecord, error) {
	rec, err := scanSQLiteAuthority(s.db.QueryRowContext(ctx,
		`SELECT `+authorityColumns+` FROM authority_records WHERE pid = ?`, pid))
	return rec, eris.Wrapf(err, "sqlite: get authority %s", pid)
}

func (s *SQLiteStore) GetAuthorityByID(ctx context.Context, recordID string) (*model.AuthorityRecord, error) {
	rec, err := scanSQLiteAuthority(s.db.QueryRowContext(ctx,
		`SELECT `+authorityColumns+` FROM authority_records WHERE record_id = ?`, recordID))
	return rec, eris.Wrapf(err, "sqlite: get authority record %s", recordID)
}

func scanSQLiteAuthority(row scannable) (*model.AuthorityRecord, error) {
	var rec model.AuthorityRecord
	var year sql.NullInt64
	var meta, files, synced, created string
	err := row.Scan(&rec.RecordID, &rec.PID, &rec.SourceID, &rec.SourceAuthorityID, &rec.Title, &year,
		&meta, &files, &rec.MetadataHash, &rec.SyncVersion, &synced, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.PublicationYear = intPtr(year)
	if rec.LastSyncedAt, err = parseSQLTime(synced); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	return &rec, decodeAuthority(&rec, authorityPayload{metadata: []byte(meta), files: []byte(files)})
}

func (s *SQLiteStore) AttachChunks(ctx context.Context, pid string, chunks []model.Chunk) (int, error) {
	if strings.TrimSpace(pid) == "" {
		return 0, eris.New("sqlite: attach chunks: parent record has no pid")
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: attach chunks: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var recordID string
	err = tx.QueryRowContext(ctx, `SELECT record_id FROM authority_records WHERE pid = ?`, pid).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "sqlite: attach chunks: no authority record for pid %s", pid)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: attach chunks: resolve %s", pid)
	}

	var inserted int
	for _, c := range chunks {
		if c.ChunkID == "" {
			return 0, eris.Errorf("sqlite: attach chunks: chunk %d of %s has no id", c.ChunkIndex, pid)
		}
		ts := c.ExtractionTimestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		var embedding any
		if c.EmbeddingVector != nil {
			data, err := marshalJSON(c.EmbeddingVector, "embedding")
			if err != nil {
				return 0, err
			}
			embedding = string(data)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (`+strings.Join(chunkColumns, ", ")+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (chunk_id) DO NOTHING`,
			c.ChunkID, recordID, c.ChunkIndex, c.Text, c.SourcePage, c.SourceSection,
			sqlTime(ts), c.Citation, embedding, c.EmbeddingModel,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: attach chunk %s", c.ChunkID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: attach chunks: commit")
	}
	return inserted, nil
}

const sqliteChunkSelect = `SELECT c.chunk_id, c.record_id, r.pid, c.chunk_index, c.text, c.source_page,
	c.source_section, c.extraction_timestamp, c.citation, c.embedding, c.embedding_model, r.publication_year
	FROM chunks c JOIN authority_records r ON r.record_id = c.record_id`

func (s *SQLiteStore) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	c, err := scanSQLiteChunk(s.db.QueryRowContext(ctx, sqliteChunkSelect+` WHERE c.chunk_id = ?`, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: chunk %s", chunkID)
	}
	return c, eris.Wrapf(err, "sqlite: get chunk %s", chunkID)
}

func (s *SQLiteStore) GetChunks(ctx context.Context, chunkIDs []string) ([]model.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		sqliteChunkSelect+` WHERE c.chunk_id IN (`+placeholders(len(args))+`) ORDER BY c.chunk_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get chunks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Chunk
	for rows.Next() {
		c, err := scanSQLiteChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get chunks iterate")
}

func scanSQLiteChunk(row scannable) (*model.Chunk, error) {
	var c model.Chunk
	var page, year sql.NullInt64
	var extracted string
	var embedding sql.NullString
	err := row.Scan(&c.ChunkID, &c.RecordID, &c.PID, &c.ChunkIndex, &c.Text, &page, &c.SourceSection,
		&extracted, &c.Citation, &embedding, &c.EmbeddingModel, &year)
	if err != nil {
		return nil, err
	}
	c.SourcePage = intPtr(page)
	c.PublicationYear = intPtr(year)
	if c.ExtractionTimestamp, err = parseSQLTime(extracted); err != nil {
		return nil, err
	}
	if embedding.Valid {
		if err := decodeJSON([]byte(embedding.String), &c.EmbeddingVector, "embedding"); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *SQLiteStore) ListCorpus(ctx context.Context) ([]model.CorpusEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.pid, COALESCE(c.chunk_id, ''), COALESCE(c.text, ''), r.publication_year
		 FROM authority_records r
		 LEFT JOIN chunks c ON c.record_id = r.record_id
		 WHERE r.pid <> ''`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list corpus")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CorpusEntry
	for rows.Next() {
		var e model.CorpusEntry
		var year sql.NullInt64
		if err := rows.Scan(&e.PID, &e.ChunkID, &e.Text, &year); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan corpus entry")
		}
		e.PublicationYear = intPtr(year)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list corpus iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func sqlTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

func parseSQLTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseSQLTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseSQLTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
