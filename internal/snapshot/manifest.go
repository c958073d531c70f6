package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// ManifestEntry is one line of a snapshot manifest. ChunkID and
// ContentHash are empty for records that have no chunks yet.
type ManifestEntry struct {
	PID         string
	ChunkID     string
	ContentHash string
}

// Manifest is the sorted list of entries a snapshot checksum covers.
type Manifest []ManifestEntry

// NewManifest builds a manifest from corpus rows. The result is sorted by
// pid then chunk id, so it does not depend on retrieval order.
func NewManifest(entries []model.CorpusEntry) Manifest {
	m := make(Manifest, 0, len(entries))
	for _, e := range entries {
		me := ManifestEntry{PID: e.PID, ChunkID: e.ChunkID}
		if e.ChunkID != "" {
			me.ContentHash = ContentHash(e.Text)
		}
		m = append(m, me)
	}
	sort.Slice(m, func(i, j int) bool {
		if m[i].PID != m[j].PID {
			return m[i].PID < m[j].PID
		}
		return m[i].ChunkID < m[j].ChunkID
	})
	return m
}

// ContentHash is the hex sha256 of a chunk's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Bytes renders the manifest as tab-separated lines.
func (m Manifest) Bytes() []byte {
	var buf bytes.Buffer
	for _, e := range m {
		buf.WriteString(e.PID)
		buf.WriteByte('\t')
		buf.WriteString(e.ChunkID)
		buf.WriteByte('\t')
		buf.WriteString(e.ContentHash)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Checksum is the hex sha256 over Bytes.
func (m Manifest) Checksum() string {
	sum := sha256.Sum256(m.Bytes())
	return hex.EncodeToString(sum[:])
}
