package model

import (
	"fmt"
	"strings"
	"time"
)

// YearRange is the inclusive publication-year span of a snapshot.
type YearRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SnapshotStats holds summary statistics of a corpus snapshot.
type SnapshotStats struct {
	TotalTokens    int `json:"total_tokens"`
	AvgChunkLength int `json:"avg_chunk_length"`
	UniqueSources  int `json:"unique_sources"`
}

// SnapshotDiff describes what changed relative to the previous snapshot.
type SnapshotDiff struct {
	PreviousSnapshotID string   `json:"previous_snapshot_id"`
	AddedPIDs          []string `json:"added_pids"`
	RemovedPIDs        []string `json:"removed_pids"`
	ChunkDelta         int      `json:"chunk_delta"`
}

// CorpusSnapshot is an immutable, checksummed view of the training corpus.
type CorpusSnapshot struct {
	SnapshotID       string         `json:"snapshot_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	PIDList          []string       `json:"pid_list"`
	DocumentCount    int            `json:"document_count"`
	ChunkCount       int            `json:"chunk_count"`
	ManifestChecksum string         `json:"manifest_checksum"`
	ManifestURI      string         `json:"manifest_uri,omitempty"`
	YearRange        *YearRange     `json:"year_range,omitempty"`
	YearDistribution map[string]int `json:"year_distribution"`
	Statistics       SnapshotStats  `json:"statistics"`
	ChangesSinceLast *SnapshotDiff  `json:"changes_since_last,omitempty"`
}

// TrainingRun links a snapshot and chunk set to a trained model version.
type TrainingRun struct {
	RunID                string         `json:"run_id"`
	ModelName            string         `json:"model_name"`
	ModelRef             string         `json:"model_ref"`
	SnapshotID           string         `json:"snapshot_id,omitempty"`
	ChunkIDs             []string       `json:"chunk_ids"`
	TotalChunks          int            `json:"total_chunks"`
	Hyperparams          map[string]any `json:"hyperparams,omitempty"`
	PIDDistribution      map[string]int `json:"pid_distribution"`
	TemporalDistribution map[string]int `json:"temporal_distribution"`
	Description          string         `json:"description,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// ScoredChunk is one retrieved chunk that informed a prediction.
type ScoredChunk struct {
	ChunkID    string    `json:"chunk_id"`
	Similarity float64   `json:"similarity"`
	Citation   *Citation `json:"citation,omitempty"`
}

// InferenceLog links a model prediction back to the chunks behind it.
type InferenceLog struct {
	InferenceID   string        `json:"inference_id"`
	Query         string        `json:"query"`
	Prediction    string        `json:"prediction"`
	ModelVersion  string        `json:"model_version"`
	TrainingRunID string        `json:"training_run_id,omitempty"`
	TopKChunks    []ScoredChunk `json:"top_k_chunks"`
	SourcePIDs    []string      `json:"source_pids"`
	SourceYears   []int         `json:"source_years"`
	SessionID     string        `json:"session_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Citation is the academic attribution of a chunk.
type Citation struct {
	ChunkID        string     `json:"chunk_id"`
	PID            string     `json:"pid"`
	Title          string     `json:"title"`
	Year           *int       `json:"year,omitempty"`
	Creator        string     `json:"creator"`
	Institution    string     `json:"institution"`
	Page           *int       `json:"page,omitempty"`
	Section        string     `json:"section,omitempty"`
	PublicURL      string     `json:"public_url"`
	Rights         string     `json:"rights"`
	Excerpt        string     `json:"excerpt,omitempty"`
	ExtractionDate *time.Time `json:"extraction_date,omitempty"`
}

// Formatted renders the citation as a single reference line, e.g.
// "Archer, Systematic method for designers (1963), p. 12. Royal College of Art. PID 564310168393. <url>".
func (c Citation) Formatted() string {
	var b strings.Builder
	b.WriteString(c.Creator)
	b.WriteString(", ")
	b.WriteString(c.Title)
	if c.Year != nil {
		fmt.Fprintf(&b, " (%d)", *c.Year)
	}
	if c.Page != nil {
		fmt.Fprintf(&b, ", p. %d", *c.Page)
	}
	if c.Section != "" {
		fmt.Fprintf(&b, ", %s", c.Section)
	}
	fmt.Fprintf(&b, ". %s. PID %s. %s", c.Institution, c.PID, c.PublicURL)
	return b.String()
}

// Lineage is the full provenance chain of a chunk, reconstructed on read.
type Lineage struct {
	Chunk        Chunk           `json:"chunk"`
	Document     AuthorityRecord `json:"document"`
	Citation     Citation        `json:"citation"`
	TrainingRuns []TrainingRun   `json:"training_runs"`
	Inferences   []InferenceLog  `json:"inferences"`
}
