package pidsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// Handoff passes accepted records on to the extraction pipeline, which
// later attaches chunks to them.
type Handoff interface {
	Submit(ctx context.Context, rec *model.AuthorityRecord, files []model.FileRef) error
}

// HTTPHandoff posts each accepted record as JSON to the extraction
// pipeline's intake endpoint.
type HTTPHandoff struct {
	URL    string
	Client *http.Client
}

// NewHTTPHandoff creates an HTTPHandoff with a bounded client timeout.
func NewHTTPHandoff(url string, timeout time.Duration) *HTTPHandoff {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHandoff{URL: url, Client: &http.Client{Timeout: timeout}}
}

type handoffRequest struct {
	PID               string          `json:"pid"`
	RecordID          string          `json:"record_id"`
	SourceID          string          `json:"source_id"`
	SourceAuthorityID string          `json:"source_authority_id"`
	SyncVersion       int64           `json:"sync_version"`
	Files             []model.FileRef `json:"files"`
}

func (h *HTTPHandoff) Submit(ctx context.Context, rec *model.AuthorityRecord, files []model.FileRef) error {
	body, err := json.Marshal(handoffRequest{
		PID:               rec.PID,
		RecordID:          rec.RecordID,
		SourceID:          rec.SourceID,
		SourceAuthorityID: rec.SourceAuthorityID,
		SyncVersion:       rec.SyncVersion,
		Files:             files,
	})
	if err != nil {
		return eris.Wrap(err, "handoff: marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "handoff: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "handoff: post %s", rec.PID)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eris.Errorf("handoff: %s rejected with status %d", rec.PID, resp.StatusCode)
	}
	return nil
}
