// Package provenance records the append-only lineage from chunks to
// training runs and inferences, and reconstructs citations and lineage on
// read by following references only.
package provenance

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

var (
	// ErrNoPID is returned for chunks whose parent record has no pid.
	ErrNoPID = eris.New("provenance: parent record has no pid")

	// ErrUnknownChunk is returned when a referenced chunk does not exist.
	ErrUnknownChunk = eris.New("provenance: unknown chunk")

	// ErrUnknownSnapshot is returned when a referenced snapshot does not exist.
	ErrUnknownSnapshot = eris.New("provenance: unknown snapshot")

	// ErrUnknownTrainingRun is returned when a referenced training run does not exist.
	ErrUnknownTrainingRun = eris.New("provenance: unknown training run")

	// ErrInvalidInput is returned for requests missing required fields.
	ErrInvalidInput = eris.New("provenance: invalid input")
)

// Ledger writes training runs and inference logs and reads lineage back.
type Ledger struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		log:   zap.L().With(zap.String("component", "provenance")),
		now:   time.Now,
	}
}

// TrainingRunInput describes a training run to record.
type TrainingRunInput struct {
	ModelName   string         `json:"model_name"`
	ModelRef    string         `json:"model_ref"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	ChunkIDs    []string       `json:"chunk_ids"`
	Hyperparams map[string]any `json:"hyperparams,omitempty"`
	Description string         `json:"description,omitempty"`
}

// RecordTrainingRun validates the run's references, computes its pid and
// year distributions and stores it. The run is immutable once written.
func (l *Ledger) RecordTrainingRun(ctx context.Context, in TrainingRunInput) (string, error) {
	if strings.TrimSpace(in.ModelRef) == "" {
		return "", eris.Wrap(ErrInvalidInput, "training run requires a model ref")
	}
	chunkIDs := dedupe(in.ChunkIDs)
	if len(chunkIDs) == 0 {
		return "", eris.Wrap(ErrInvalidInput, "training run requires at least one chunk")
	}

	if in.SnapshotID != "" {
		if _, err := l.store.GetSnapshot(ctx, in.SnapshotID); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return "", eris.Wrapf(ErrUnknownSnapshot, "provenance: %s", in.SnapshotID)
			}
			return "", eris.Wrap(err, "provenance: load snapshot")
		}
	}

	chunks, err := l.loadChunks(ctx, chunkIDs)
	if err != nil {
		return "", err
	}

	pidDist := make(map[string]int)
	yearDist := make(map[string]int)
	for _, c := range chunks {
		if c.PID != "" {
			pidDist[c.PID]++
		}
		if c.PublicationYear != nil {
			yearDist[strconv.Itoa(*c.PublicationYear)]++
		}
	}

	run := &model.TrainingRun{
		RunID:                newID("train_"),
		ModelName:            in.ModelName,
		ModelRef:             in.ModelRef,
		SnapshotID:           in.SnapshotID,
		ChunkIDs:             chunkIDs,
		TotalChunks:          len(chunkIDs),
		Hyperparams:          in.Hyperparams,
		PIDDistribution:      pidDist,
		TemporalDistribution: yearDist,
		Description:          in.Description,
		CreatedAt:            l.now().UTC(),
	}
	if err := l.store.InsertTrainingRun(ctx, run); err != nil {
		return "", eris.Wrap(err, "provenance: insert training run")
	}

	l.log.Info("provenance: training run recorded",
		zap.String("run_id", run.RunID),
		zap.Int("chunks", run.TotalChunks),
		zap.Int("pids", len(pidDist)),
	)
	return run.RunID, nil
}

// InferenceInput describes a model prediction to record.
type InferenceInput struct {
	Query         string              `json:"query"`
	Prediction    string              `json:"prediction"`
	ModelVersion  string              `json:"model_version"`
	TopKChunks    []model.ScoredChunk `json:"top_k_chunks"`
	TrainingRunID string              `json:"training_run_id,omitempty"`
	SessionID     string              `json:"session_id,omitempty"`
}

// RecordInference stores a prediction with the chunks behind it. Citations,
// source pids and source years are resolved at write time and kept with the
// log, since the log is a record of what was shown.
func (l *Ledger) RecordInference(ctx context.Context, in InferenceInput) (string, error) {
	if in.TrainingRunID != "" {
		if _, err := l.store.GetTrainingRun(ctx, in.TrainingRunID); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return "", eris.Wrapf(ErrUnknownTrainingRun, "provenance: %s", in.TrainingRunID)
			}
			return "", eris.Wrap(err, "provenance: load training run")
		}
	}

	topK := make([]model.ScoredChunk, 0, len(in.TopKChunks))
	seen := make(map[string]bool, len(in.TopKChunks))
	for _, sc := range in.TopKChunks {
		if sc.ChunkID == "" || seen[sc.ChunkID] {
			continue
		}
		seen[sc.ChunkID] = true
		topK = append(topK, sc)
	}

	ids := make([]string, len(topK))
	for i, sc := range topK {
		ids[i] = sc.ChunkID
	}
	chunks, err := l.loadChunks(ctx, ids)
	if err != nil {
		return "", err
	}
	byID := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}

	var pids []string
	var years []int
	records := make(map[string]*model.AuthorityRecord)
	for i := range topK {
		c := byID[topK[i].ChunkID]
		rec, ok := records[c.RecordID]
		if !ok {
			rec, err = l.store.GetAuthorityByID(ctx, c.RecordID)
			if err != nil {
				return "", eris.Wrapf(err, "provenance: parent record of %s", c.ChunkID)
			}
			records[c.RecordID] = rec
		}
		citation, err := buildCitation(&c, rec)
		if err != nil {
			return "", err
		}
		topK[i].Citation = citation

		if !slices.Contains(pids, citation.PID) {
			pids = append(pids, citation.PID)
		}
		if c.PublicationYear != nil && !slices.Contains(years, *c.PublicationYear) {
			years = append(years, *c.PublicationYear)
		}
	}
	slices.Sort(years)

	inf := &model.InferenceLog{
		InferenceID:   newID("inf_"),
		Query:         in.Query,
		Prediction:    in.Prediction,
		ModelVersion:  in.ModelVersion,
		TrainingRunID: in.TrainingRunID,
		TopKChunks:    topK,
		SourcePIDs:    pids,
		SourceYears:   years,
		SessionID:     in.SessionID,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.store.InsertInference(ctx, inf); err != nil {
		return "", eris.Wrap(err, "provenance: insert inference")
	}

	l.log.Info("provenance: inference recorded",
		zap.String("inference_id", inf.InferenceID),
		zap.Int("chunks", len(topK)),
		zap.Int("source_pids", len(pids)),
	)
	return inf.InferenceID, nil
}

// GetLineage reconstructs the provenance chain of a chunk: its document,
// citation, the training runs whose chunk set contains it and the
// inferences whose top-k contains it.
func (l *Ledger) GetLineage(ctx context.Context, chunkID string) (*model.Lineage, error) {
	chunk, err := l.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: lineage for %s", chunkID)
	}
	rec, err := l.store.GetAuthorityByID(ctx, chunk.RecordID)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: parent record of %s", chunkID)
	}
	citation, err := buildCitation(chunk, rec)
	if err != nil {
		return nil, err
	}
	runs, err := l.store.ListTrainingRunsForChunk(ctx, chunkID)
	if err != nil {
		return nil, eris.Wrap(err, "provenance: training runs for chunk")
	}
	infs, err := l.store.ListInferencesForChunk(ctx, chunkID)
	if err != nil {
		return nil, eris.Wrap(err, "provenance: inferences for chunk")
	}

	return &model.Lineage{
		Chunk:        *chunk,
		Document:     *rec,
		Citation:     *citation,
		TrainingRuns: nonNil(runs),
		Inferences:   nonNil(infs),
	}, nil
}

// AttachChunks stores chunks returned by the extraction pipeline under the
// record with the given pid. Chunks without a formatted citation get one
// from the record. Attaching is idempotent on chunk id.
func (l *Ledger) AttachChunks(ctx context.Context, pid string, chunks []model.Chunk) (int, error) {
	rec, err := l.store.GetAuthority(ctx, pid)
	if err != nil {
		return 0, eris.Wrapf(err, "provenance: attach chunks to %s", pid)
	}

	now := l.now().UTC()
	prepared := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		if strings.TrimSpace(c.ChunkID) == "" {
			return 0, eris.Wrapf(ErrInvalidInput, "chunk %d of %s has no id", i, pid)
		}
		if c.ExtractionTimestamp.IsZero() {
			c.ExtractionTimestamp = now
		}
		if c.Citation == "" {
			citation, err := buildCitation(&c, rec)
			if err != nil {
				return 0, err
			}
			c.Citation = citation.Formatted()
		}
		prepared[i] = c
	}

	n, err := l.store.AttachChunks(ctx, pid, prepared)
	if err != nil {
		return 0, eris.Wrapf(err, "provenance: attach chunks to %s", pid)
	}
	l.log.Info("provenance: chunks attached", zap.String("pid", pid), zap.Int("inserted", n), zap.Int("received", len(chunks)))
	return n, nil
}

// loadChunks fetches chunks by id, failing on the first unknown id.
func (l *Ledger) loadChunks(ctx context.Context, ids []string) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := l.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "provenance: load chunks")
	}
	if len(chunks) == len(ids) {
		return chunks, nil
	}
	found := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		found[c.ChunkID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, eris.Wrapf(ErrUnknownChunk, "provenance: %s", id)
		}
	}
	return chunks, nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
