package source

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// FileSource replays a saved all_media_items GraphQL response. Items are
// delivered in file order. Both the full response envelope and a bare
// {"all_media_items": [...]} object are accepted.
type FileSource struct {
	path     string
	items    []mediaItem
	byID     map[string]int
	pageSize int
}

// NewFileSource loads the saved response at path.
func NewFileSource(path string, pageSize int) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "file source: read %s", path)
	}

	type listing struct {
		AllMediaItems []mediaItem `json:"all_media_items"`
	}
	var doc struct {
		listing
		Data *listing `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(err, "file source: parse %s", path)
	}
	items := doc.AllMediaItems
	if doc.Data != nil {
		items = doc.Data.AllMediaItems
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	fs := &FileSource{path: path, items: items, byID: make(map[string]int, len(items)), pageSize: pageSize}
	for i, it := range items {
		if it.ID == "" {
			return nil, eris.Errorf("file source: item %d in %s has no id", i, path)
		}
		fs.byID[it.ID] = i
	}
	return fs, nil
}

// ListPage pages through the matching items. The cursor is the offset into
// the filtered listing.
func (f *FileSource) ListPage(ctx context.Context, req model.ListRequest, cursor string) (model.Page, error) {
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return model.Page{}, eris.Errorf("file source: bad cursor %q", cursor)
		}
		offset = n
	}

	matched := f.match(req)
	if offset > len(matched) {
		offset = len(matched)
	}
	size := req.PageSize
	if size <= 0 {
		size = f.pageSize
	}
	end := min(offset+size, len(matched))

	page := model.Page{Items: matched[offset:end]}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FileSource) match(req model.ListRequest) []model.ItemRef {
	start := 0
	if req.After != "" {
		if i, ok := f.byID[req.After]; ok {
			start = i + 1
		}
	}

	var out []model.ItemRef
	for _, it := range f.items[start:] {
		ref := it.ref()
		switch {
		case len(req.PIDs) > 0:
			if !slices.Contains(req.PIDs, it.PID) {
				continue
			}
		case req.Since != nil:
			if ref.LastModified.Before(*req.Since) {
				continue
			}
		}
		out = append(out, ref)
	}
	return out
}

func (f *FileSource) Resolve(ctx context.Context, ref model.ItemRef) (model.ExternalItem, error) {
	if err := ctx.Err(); err != nil {
		return model.ExternalItem{}, err
	}
	i, ok := f.byID[ref.ExternalID]
	if !ok {
		return model.ExternalItem{}, eris.Errorf("file source: item %s not in %s", ref.ExternalID, f.path)
	}
	return f.items[i].toExternal(), nil
}
