package provenance

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

const (
	// PublicURLBase prefixes the pid when the record carries no public URI.
	PublicURLBase = "https://ddrarchive.org/id/record/"

	// ExcerptLength is the number of characters of chunk text in a citation.
	ExcerptLength = 200

	defaultTitle       = "Untitled"
	defaultCreator     = "Unknown"
	defaultInstitution = "Royal College of Art"
	defaultRights      = "Copyright © Royal College of Art"
)

// Authority metadata keys read when building citations.
const (
	metaTitle       = "title"
	metaCreator     = "creator_agent_label"
	metaInstitution = "rights_holders"
	metaPublicURI   = "public_uri"
	metaRights      = "copyright_holder"
)

// GetCitation builds the citation of a chunk from the chunk and its parent
// record at read time. Nothing about it is cached.
func (l *Ledger) GetCitation(ctx context.Context, chunkID string) (*model.Citation, error) {
	chunk, err := l.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: citation for %s", chunkID)
	}
	rec, err := l.store.GetAuthorityByID(ctx, chunk.RecordID)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: parent record of %s", chunkID)
	}
	return buildCitation(chunk, rec)
}

func buildCitation(chunk *model.Chunk, rec *model.AuthorityRecord) (*model.Citation, error) {
	pid := strings.TrimSpace(rec.PID)
	if pid == "" {
		return nil, eris.Wrapf(ErrNoPID, "provenance: chunk %s", chunk.ChunkID)
	}

	meta := rec.AuthorityMetadata
	extracted := chunk.ExtractionTimestamp
	c := &model.Citation{
		ChunkID:     chunk.ChunkID,
		PID:         pid,
		Title:       nfc(firstNonEmpty(rec.Title, metaString(meta, metaTitle), defaultTitle)),
		Year:        rec.PublicationYear,
		Creator:     nfc(firstNonEmpty(metaString(meta, metaCreator), defaultCreator)),
		Institution: nfc(firstNonEmpty(metaString(meta, metaInstitution), defaultInstitution)),
		Page:        chunk.SourcePage,
		Section:     nfc(chunk.SourceSection),
		PublicURL:   firstNonEmpty(metaString(meta, metaPublicURI), PublicURLBase+pid),
		Rights:      nfc(firstNonEmpty(metaString(meta, metaRights), defaultRights)),
		Excerpt:     excerpt(nfc(chunk.Text)),
	}
	if !extracted.IsZero() {
		c.ExtractionDate = &extracted
	}
	return c, nil
}

// excerpt truncates text to ExcerptLength characters, marking the cut.
func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= ExcerptLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:ExcerptLength]) + "..."
}

func nfc(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// metaString reads a string value from authority metadata. List values,
// as some archive fields are, are joined with "; ".
func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
