// Package model defines the domain types shared by the sync, store and
// provenance packages.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// FileRoleMaster is the only file role that can enter the training corpus.
const FileRoleMaster = "master"

// FileRef is one file attached to an external item, together with the
// flags carried by its digital-asset record.
type FileRef struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	URL       string         `json:"url,omitempty"`
	Filename  string         `json:"filename,omitempty"`
	MimeType  string         `json:"mime_type,omitempty"`
	MLEnabled *bool          `json:"ml_enabled,omitempty"` // nil means the asset record carries no flag
	MLPages   string         `json:"ml_pages,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsMaster reports whether the file has the master role.
func (f FileRef) IsMaster() bool {
	return strings.EqualFold(strings.TrimSpace(f.Role), FileRoleMaster)
}

// MLAllowed reports whether the asset record explicitly enables ML use.
func (f FileRef) MLAllowed() bool {
	return f.MLEnabled != nil && *f.MLEnabled
}

// ExternalItem is a candidate item as delivered by an external metadata source.
type ExternalItem struct {
	ExternalID      string         `json:"external_id"`
	PID             string         `json:"pid"`
	Title           string         `json:"title,omitempty"`
	PublicationYear *int           `json:"publication_year,omitempty"`
	Files           []FileRef      `json:"files"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LastModified    time.Time      `json:"last_modified"`
}

// AuthorityRecord is one curated archival item in the authority store.
type AuthorityRecord struct {
	RecordID          string         `json:"record_id"`
	PID               string         `json:"pid"`
	SourceID          string         `json:"source_id"`
	SourceAuthorityID string         `json:"source_authority_id"`
	Title             string         `json:"title,omitempty"`
	PublicationYear   *int           `json:"publication_year,omitempty"`
	AuthorityMetadata map[string]any `json:"authority_metadata,omitempty"`
	EligibleFiles     []FileRef      `json:"eligible_files"`
	MetadataHash      string         `json:"metadata_hash"`
	SyncVersion       int64          `json:"sync_version"`
	LastSyncedAt      time.Time      `json:"last_synced_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ComputeHash returns the hash of the record's synced content. A changed
// hash is what makes an upsert bump sync_version. encoding/json sorts map
// keys, so the encoding is canonical.
func (r *AuthorityRecord) ComputeHash() (string, error) {
	payload := struct {
		SourceAuthorityID string         `json:"source_authority_id"`
		Title             string         `json:"title"`
		PublicationYear   *int           `json:"publication_year"`
		Metadata          map[string]any `json:"metadata"`
		EligibleFiles     []FileRef      `json:"eligible_files"`
	}{r.SourceAuthorityID, r.Title, r.PublicationYear, r.AuthorityMetadata, r.EligibleFiles}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// UpsertOutcome classifies what an authority upsert did.
type UpsertOutcome string

const (
	UpsertNew       UpsertOutcome = "new"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult is returned by the authority store for every upsert.
type UpsertResult struct {
	Outcome     UpsertOutcome `json:"outcome"`
	RecordID    string        `json:"record_id"`
	SyncVersion int64         `json:"sync_version"`
	// Collision is set when the pid was previously owned by another source.
	// The write still wins; callers only log it.
	Collision        bool   `json:"collision,omitempty"`
	PreviousSourceID string `json:"previous_source_id,omitempty"`
}

// Chunk is a citable unit of extracted content. PID is the parent record's
// pid, joined on read.
type Chunk struct {
	ChunkID             string    `json:"chunk_id"`
	RecordID            string    `json:"record_id"`
	PID                 string    `json:"pid"`
	ChunkIndex          int       `json:"chunk_index"`
	Text                string    `json:"text"`
	SourcePage          *int      `json:"source_page,omitempty"`
	SourceSection       string    `json:"source_section,omitempty"`
	ExtractionTimestamp time.Time `json:"extraction_timestamp"`
	Citation            string    `json:"citation,omitempty"`
	EmbeddingVector     []float32 `json:"embedding_vector,omitempty"`
	EmbeddingModel      string    `json:"embedding_model,omitempty"`
	PublicationYear     *int      `json:"publication_year,omitempty"`
}

// CorpusEntry is one row of the training-eligible corpus: a pid-bearing
// record joined with one of its chunks. ChunkID is empty for records that
// have no chunks yet.
type CorpusEntry struct {
	PID             string `json:"pid"`
	ChunkID         string `json:"chunk_id,omitempty"`
	Text            string `json:"-"`
	PublicationYear *int   `json:"publication_year,omitempty"`
}
