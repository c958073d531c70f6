package provenance

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func seedRecord(t *testing.T, st store.Store, pid string, year int, meta map[string]any) {
	t.Helper()
	enabled := true
	_, err := st.UpsertAuthority(context.Background(), &model.AuthorityRecord{
		PID:               pid,
		SourceID:          "ddr",
		SourceAuthorityID: "ext-" + pid,
		Title:             "Systematic method for designers",
		PublicationYear:   &year,
		AuthorityMetadata: meta,
		EligibleFiles:     []model.FileRef{{ID: "f-" + pid, Role: "master", MLEnabled: &enabled}},
	})
	require.NoError(t, err)
}

func page(n int) *int { return &n }

// seedCorpus creates two records with two and one chunks.
func seedCorpus(t *testing.T, l *Ledger, st store.Store) {
	t.Helper()
	ctx := context.Background()
	seedRecord(t, st, "564310168393", 1963, map[string]any{
		"creator_agent_label": "Archer, L. Bruce",
		"rights_holders":      "Royal College of Art",
		"public_uri":          "https://ddrarchive.org/id/record/564310168393",
	})
	seedRecord(t, st, "564310168394", 1970, nil)

	_, err := l.AttachChunks(ctx, "564310168393", []model.Chunk{
		{ChunkID: "c1", ChunkIndex: 0, Text: "The designer's task", SourcePage: page(12), SourceSection: "Introduction"},
		{ChunkID: "c2", ChunkIndex: 1, Text: strings.Repeat("x", 250)},
	})
	require.NoError(t, err)
	_, err = l.AttachChunks(ctx, "564310168394", []model.Chunk{
		{ChunkID: "c3", ChunkIndex: 0, Text: "Form follows"},
	})
	require.NoError(t, err)
}

func TestGetCitation(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	c, err := l.GetCitation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "564310168393", c.PID)
	assert.Equal(t, "Archer, L. Bruce", c.Creator)
	assert.Equal(t, "Royal College of Art", c.Institution)
	assert.Equal(t, "Systematic method for designers", c.Title)
	require.NotNil(t, c.Year)
	assert.Equal(t, 1963, *c.Year)
	require.NotNil(t, c.Page)
	assert.Equal(t, 12, *c.Page)
	assert.Equal(t, "Introduction", c.Section)
	assert.Equal(t, "The designer's task", c.Excerpt)
	assert.NotNil(t, c.ExtractionDate)

	long, err := l.GetCitation(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", ExcerptLength)+"...", long.Excerpt)

	defaults, err := l.GetCitation(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, PublicURLBase+"564310168394", defaults.PublicURL)
	assert.Equal(t, "Unknown", defaults.Creator)
	assert.Equal(t, defaultRights, defaults.Rights)

	_, err = l.GetCitation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetCitation_NormalizesUnicode(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	seedRecord(t, st, "564310168395", 1981, map[string]any{"creator_agent_label": "Jose\u0301 Ferna\u0301ndez"})
	_, err := l.AttachChunks(ctx, "564310168395", []model.Chunk{{ChunkID: "c9", Text: "cafe\u0301"}})
	require.NoError(t, err)

	c, err := l.GetCitation(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "Jos\u00e9 Fern\u00e1ndez", c.Creator)
	assert.Equal(t, "caf\u00e9", c.Excerpt)
}

func TestBuildCitationRejectsRecordWithoutPID(t *testing.T) {
	_, err := buildCitation(&model.Chunk{ChunkID: "c1"}, &model.AuthorityRecord{RecordID: "r1"})
	assert.ErrorIs(t, err, ErrNoPID)
}

func TestAttachChunks(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	chunk, err := st.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, chunk.Citation, "Archer, L. Bruce, Systematic method for designers (1963), p. 12")
	assert.Contains(t, chunk.Citation, "PID 564310168393")

	n, err := l.AttachChunks(ctx, "564310168393", []model.Chunk{{ChunkID: "c1", Text: "again"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-attaching a chunk is a no-op")

	_, err = l.AttachChunks(ctx, "999999999999", []model.Chunk{{ChunkID: "c7", Text: "orphan"}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = l.AttachChunks(ctx, "564310168393", []model.Chunk{{Text: "no id"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordTrainingRun(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	runID, err := l.RecordTrainingRun(ctx, TrainingRunInput{
		ModelName:   "design-lm",
		ModelRef:    "s3://models/design-lm/v1",
		ChunkIDs:    []string{"c1", "c2", "c3", "c1"},
		Hyperparams: map[string]any{"epochs": 3},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(runID, "train_"))

	run, err := st.GetTrainingRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalChunks)
	assert.Equal(t, []string{"c1", "c2", "c3"}, run.ChunkIDs)
	assert.Equal(t, map[string]int{"564310168393": 2, "564310168394": 1}, run.PIDDistribution)
	assert.Equal(t, map[string]int{"1963": 2, "1970": 1}, run.TemporalDistribution)
}

func TestRecordTrainingRun_References(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	_, err := l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m", ChunkIDs: []string{"c1", "nope"}})
	assert.ErrorIs(t, err, ErrUnknownChunk)

	_, err = l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m", SnapshotID: "snap_missing", ChunkIDs: []string{"c1"}})
	assert.ErrorIs(t, err, ErrUnknownSnapshot)

	_, err = l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = l.RecordTrainingRun(ctx, TrainingRunInput{ChunkIDs: []string{"c1"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordInference(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	runID, err := l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m", ChunkIDs: []string{"c1", "c3"}})
	require.NoError(t, err)

	infID, err := l.RecordInference(ctx, InferenceInput{
		Query:         "What is a design method?",
		Prediction:    "A systematic procedure.",
		ModelVersion:  "design-lm-v1",
		TrainingRunID: runID,
		TopKChunks: []model.ScoredChunk{
			{ChunkID: "c3", Similarity: 0.91},
			{ChunkID: "c1", Similarity: 0.87},
			{ChunkID: "c3", Similarity: 0.5},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(infID, "inf_"))

	infs, err := st.ListInferencesForChunk(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, infs, 1)
	inf := infs[0]
	assert.Equal(t, []string{"564310168394", "564310168393"}, inf.SourcePIDs)
	assert.Equal(t, []int{1963, 1970}, inf.SourceYears)
	require.Len(t, inf.TopKChunks, 2)
	require.NotNil(t, inf.TopKChunks[0].Citation)
	assert.Equal(t, "564310168394", inf.TopKChunks[0].Citation.PID)

	_, err = l.RecordInference(ctx, InferenceInput{Query: "q", TrainingRunID: "train_missing"})
	assert.ErrorIs(t, err, ErrUnknownTrainingRun)

	_, err = l.RecordInference(ctx, InferenceInput{Query: "q", TopKChunks: []model.ScoredChunk{{ChunkID: "ghost"}}})
	assert.ErrorIs(t, err, ErrUnknownChunk)
}

func TestGetLineage(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	ctx := context.Background()

	empty, err := l.GetLineage(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, empty.TrainingRuns)
	assert.Empty(t, empty.Inferences)
	assert.Equal(t, "564310168393", empty.Document.PID)

	runID, err := l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m", ChunkIDs: []string{"c1", "c2"}})
	require.NoError(t, err)
	_, err = l.RecordTrainingRun(ctx, TrainingRunInput{ModelRef: "m2", ChunkIDs: []string{"c3"}})
	require.NoError(t, err)
	infID, err := l.RecordInference(ctx, InferenceInput{
		Query:        "q",
		ModelVersion: "v1",
		TopKChunks:   []model.ScoredChunk{{ChunkID: "c2", Similarity: 0.7}},
	})
	require.NoError(t, err)

	lin, err := l.GetLineage(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", lin.Chunk.ChunkID)
	assert.Equal(t, "c2", lin.Citation.ChunkID)
	require.Len(t, lin.TrainingRuns, 1)
	assert.Equal(t, runID, lin.TrainingRuns[0].RunID)
	require.Len(t, lin.Inferences, 1)
	assert.Equal(t, infID, lin.Inferences[0].InferenceID)
}

func TestLedgerUsesClock(t *testing.T) {
	l, st := newTestLedger(t)
	seedCorpus(t, l, st)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	runID, err := l.RecordTrainingRun(context.Background(), TrainingRunInput{ModelRef: "m", ChunkIDs: []string{"c3"}})
	require.NoError(t, err)
	run, err := st.GetTrainingRun(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, run.CreatedAt.Equal(fixed))
}
