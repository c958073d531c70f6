package pidsync

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

// fakeSource serves items from memory, sorted by external id.
type fakeSource struct {
	mu       sync.Mutex
	items    map[string]model.ExternalItem
	pageSize int

	// resolveErrs fails Resolve for an id; failures pops one error per call
	// and falls back to success once drained.
	resolveErrs map[string]error
	failures    map[string][]error
	// listErr fails every ListPage call at or after page listErrPage.
	listErr     error
	listErrPage int
	// onResolve runs before Resolve returns and may replace its result.
	onResolve func(ctx context.Context, id string) error

	requests []model.ListRequest
	resolved []string
}

func newFakeSource(items ...model.ExternalItem) *fakeSource {
	f := &fakeSource{
		items:       make(map[string]model.ExternalItem),
		pageSize:    2,
		resolveErrs: make(map[string]error),
		failures:    make(map[string][]error),
		listErrPage: -1,
	}
	for _, it := range items {
		f.items[it.ExternalID] = it
	}
	return f
}

func (f *fakeSource) put(it model.ExternalItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[it.ExternalID] = it
}

func (f *fakeSource) ListPage(_ context.Context, req model.ListRequest, cursor string) (model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page := 0
	if cursor != "" {
		page, _ = strconv.Atoi(cursor)
	}
	if page == 0 {
		f.requests = append(f.requests, req)
	}
	if f.listErr != nil && f.listErrPage >= 0 && page >= f.listErrPage {
		return model.Page{}, f.listErr
	}

	var refs []model.ItemRef
	for _, it := range f.items {
		if req.After != "" && it.ExternalID <= req.After {
			continue
		}
		if len(req.PIDs) > 0 && !slices.Contains(req.PIDs, it.PID) {
			continue
		}
		if len(req.PIDs) == 0 && req.Since != nil && it.LastModified.Before(*req.Since) {
			continue
		}
		refs = append(refs, model.ItemRef{ExternalID: it.ExternalID, PID: it.PID, LastModified: it.LastModified})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ExternalID < refs[j].ExternalID })

	start := page * f.pageSize
	if start >= len(refs) {
		return model.Page{}, nil
	}
	end := min(start+f.pageSize, len(refs))
	out := model.Page{Items: refs[start:end]}
	if end < len(refs) {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (f *fakeSource) Resolve(ctx context.Context, ref model.ItemRef) (model.ExternalItem, error) {
	f.mu.Lock()
	hook := f.onResolve
	f.resolved = append(f.resolved, ref.ExternalID)
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, ref.ExternalID); err != nil {
			return model.ExternalItem{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[ref.ExternalID]; len(errs) > 0 {
		f.failures[ref.ExternalID] = errs[1:]
		return model.ExternalItem{}, errs[0]
	}
	if err := f.resolveErrs[ref.ExternalID]; err != nil {
		return model.ExternalItem{}, err
	}
	it, ok := f.items[ref.ExternalID]
	if !ok {
		return model.ExternalItem{}, eris.Errorf("media item %s not found", ref.ExternalID)
	}
	return it, nil
}

func (f *fakeSource) lastRequest() model.ListRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeSource) resolvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.resolved)
}

// recordingHandoff remembers every submitted pid.
type recordingHandoff struct {
	mu   sync.Mutex
	pids []string
	err  error
}

func (h *recordingHandoff) Submit(_ context.Context, rec *model.AuthorityRecord, _ []model.FileRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pids = append(h.pids, rec.PID)
	return h.err
}

func (h *recordingHandoff) submitted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.pids)
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// eligibleItem is an item with a pid and one ML-enabled master file.
func eligibleItem(n int) model.ExternalItem {
	enabled := true
	year := 1960 + n
	return model.ExternalItem{
		ExternalID:      fmt.Sprintf("item-%02d", n),
		PID:             fmt.Sprintf("5643101683%02d", n),
		Title:           fmt.Sprintf("Design research paper %d", n),
		PublicationYear: &year,
		Files: []model.FileRef{
			{ID: fmt.Sprintf("file-%02d", n), Role: "master", MLEnabled: &enabled},
			{ID: fmt.Sprintf("thumb-%02d", n), Role: "thumbnail"},
		},
		LastModified: baseTime.Add(time.Duration(n) * time.Minute),
	}
}

func eligibleItems(n int) []model.ExternalItem {
	items := make([]model.ExternalItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, eligibleItem(i))
	}
	return items
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestOrchestrator wires an orchestrator over a fresh SQLite store with
// src registered as "ddr".
func newTestOrchestrator(t *testing.T, src *fakeSource, handoff Handoff) (*Orchestrator, store.Store) {
	t.Helper()
	st := newTestStore(t)
	o := New(st, handoff, Config{CheckpointEvery: 2, Retry: fastRetry()})
	o.Register("ddr", src, nil, time.Hour)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, st
}
