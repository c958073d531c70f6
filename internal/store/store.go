// Package store persists authority records, chunks, sync runs, per-source
// sync state and the provenance ledger. PostgresStore is the production
// backend; SQLiteStore serves local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrClaimHeld is returned when a source's run claim is owned by another sync.
	ErrClaimHeld = eris.New("store: source claim held by another sync")

	// ErrClaimLost is returned when a running sync no longer owns its claim,
	// e.g. after a stale-claim takeover.
	ErrClaimLost = eris.New("store: source claim lost")

	// ErrRunTerminal is returned when finalizing a run that is already terminal.
	ErrRunTerminal = eris.New("store: sync run already terminal")
)

// Store is the persistence contract shared by both backends.
type Store interface {
	// Authority records and chunks
	UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) (model.UpsertResult, error)
	GetAuthority(ctx context.Context, pid string) (*model.AuthorityRecord, error)
	GetAuthorityByID(ctx context.Context, recordID string) (*model.AuthorityRecord, error)
	AttachChunks(ctx context.Context, pid string, chunks []model.Chunk) (int, error)
	GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error)
	GetChunks(ctx context.Context, chunkIDs []string) ([]model.Chunk, error)
	ListCorpus(ctx context.Context) ([]model.CorpusEntry, error)

	// Sync state and runs
	EnsureSource(ctx context.Context, sourceID string, frequency time.Duration) (*model.SourceSyncState, error)
	GetSyncState(ctx context.Context, sourceID string) (*model.SourceSyncState, error)
	ListSyncStates(ctx context.Context) ([]model.SourceSyncState, error)
	ClaimSource(ctx context.Context, sourceID, syncID, expectHolder string, now time.Time) error
	ReleaseClaim(ctx context.Context, sourceID, syncID string) error
	CreateSyncRun(ctx context.Context, run *model.SyncRun) error
	SaveCheckpoint(ctx context.Context, run *model.SyncRun, now time.Time) error
	// FinalizeRun writes the terminal run and overwrites the source state
	// with next in one transaction. The run must still be running
	// (ErrRunTerminal) and holder must still own the claim (ErrClaimLost).
	FinalizeRun(ctx context.Context, run *model.SyncRun, next model.SourceSyncState, holder string) error
	GetSyncRun(ctx context.Context, syncID string) (*model.SyncRun, error)
	ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error)

	// Provenance ledger (insert and select only)
	InsertSnapshot(ctx context.Context, snap *model.CorpusSnapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (*model.CorpusSnapshot, error)
	LatestSnapshot(ctx context.Context) (*model.CorpusSnapshot, error)
	InsertTrainingRun(ctx context.Context, run *model.TrainingRun) error
	GetTrainingRun(ctx context.Context, runID string) (*model.TrainingRun, error)
	ListTrainingRunsForChunk(ctx context.Context, chunkID string) ([]model.TrainingRun, error)
	InsertInference(ctx context.Context, inf *model.InferenceLog) error
	ListInferencesForChunk(ctx context.Context, chunkID string) ([]model.InferenceLog, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// DefaultHistoryLimit caps ListSyncRuns when no limit is given.
const DefaultHistoryLimit = 20

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
