package db

import (
	"context"
	"io/fs"
	"path"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MigrationSet is a directory of .sql files applied in lexicographic order
// and tracked in <Schema>.schema_migrations.
type MigrationSet struct {
	FS     fs.FS
	Dir    string
	Schema string
	// LockID keys the advisory lock that serializes concurrent migrators.
	LockID int64
}

// Migrate applies every migration in set not yet recorded as applied.
func Migrate(ctx context.Context, pool Pool, set MigrationSet) error {
	log := zap.L().With(zap.String("component", "db.migrate"), zap.String("schema", set.Schema))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", set.LockID); err != nil {
		return eris.Wrap(err, "db: acquire migration lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", set.LockID); err != nil {
			log.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	trackSQL := "CREATE SCHEMA IF NOT EXISTS " + sanitizeTable(set.Schema) + ";\n" +
		"CREATE TABLE IF NOT EXISTS " + sanitizeTable(set.Schema+".schema_migrations") + ` (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, trackSQL); err != nil {
		return eris.Wrap(err, "db: ensure migration table")
	}

	entries, err := fs.ReadDir(set.FS, set.Dir)
	if err != nil {
		return eris.Wrap(err, "db: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := appliedMigrations(ctx, pool, set.Schema)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" || applied[name] {
			continue
		}

		data, err := fs.ReadFile(set.FS, path.Join(set.Dir, name))
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO "+sanitizeTable(set.Schema+".schema_migrations")+" (filename) VALUES ($1)", name,
		); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool Pool, schema string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+sanitizeTable(schema+".schema_migrations"))
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "db: iterate migrations")
}
