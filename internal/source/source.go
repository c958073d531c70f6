// Package source talks to the external metadata sources a sync run reads
// from: the archive GraphQL API and saved GraphQL responses on disk.
package source

import (
	"context"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// Source streams candidate items from an external metadata system.
type Source interface {
	// ListPage returns one page of item references in delivery order.
	// An empty cursor requests the first page.
	ListPage(ctx context.Context, req model.ListRequest, cursor string) (model.Page, error)
	// Resolve fetches the full item behind a reference.
	Resolve(ctx context.Context, ref model.ItemRef) (model.ExternalItem, error)
}

// mediaItem is the archive's media item as returned by the detail query
// and stored in saved responses.
type mediaItem struct {
	ID            string         `json:"id"`
	PID           string         `json:"pid"`
	Title         string         `json:"title"`
	Year          *int           `json:"year"`
	UpdatedAt     string         `json:"updated_at"`
	Metadata      map[string]any `json:"metadata"`
	DigitalAssets []digitalAsset `json:"digital_assets"`
}

type digitalAsset struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	UseForML *bool  `json:"use_for_ml"`
	MLPages  string `json:"ml_pages"`
}

func (m mediaItem) toExternal() model.ExternalItem {
	files := make([]model.FileRef, 0, len(m.DigitalAssets))
	for _, a := range m.DigitalAssets {
		files = append(files, model.FileRef{
			ID:        a.ID,
			Role:      a.Role,
			URL:       a.URL,
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			MLEnabled: a.UseForML,
			MLPages:   a.MLPages,
		})
	}
	return model.ExternalItem{
		ExternalID:      m.ID,
		PID:             m.PID,
		Title:           m.Title,
		PublicationYear: m.Year,
		Files:           files,
		Metadata:        m.Metadata,
		LastModified:    parseUpdatedAt(m.UpdatedAt),
	}
}

func (m mediaItem) ref() model.ItemRef {
	return model.ItemRef{ExternalID: m.ID, PID: m.PID, LastModified: parseUpdatedAt(m.UpdatedAt)}
}
