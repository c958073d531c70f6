package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
)

var tickTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	statuses  []pidsync.SourceStatus
	statusErr error
	errs      map[string]error
	block     chan struct{}

	mu       sync.Mutex
	ran      []string
	modes    []model.SyncMode
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) StatusAll(_ context.Context) ([]pidsync.SourceStatus, error) {
	return f.statuses, f.statusErr
}

func (f *fakeRunner) Run(ctx context.Context, sourceID string, mode model.SyncMode, _ pidsync.RunOptions) (*model.SyncRun, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.ran = append(f.ran, sourceID)
	f.modes = append(f.modes, mode)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if err := f.errs[sourceID]; err != nil {
		return nil, err
	}
	return &model.SyncRun{SyncID: "sync-" + sourceID, SourceID: sourceID, Status: model.SyncStatusCompleted}, nil
}

func status(id string, next *time.Time, active string) pidsync.SourceStatus {
	return pidsync.SourceStatus{State: model.SourceSyncState{
		SourceID:          id,
		NextScheduledSync: next,
		ActiveSyncID:      active,
	}}
}

func at(d time.Duration) *time.Time {
	t := tickTime.Add(d)
	return &t
}

func newTestScheduler(r Runner, maxConcurrent int) *Scheduler {
	s := New(r, time.Hour, maxConcurrent)
	s.now = func() time.Time { return tickTime }
	return s
}

func TestTick_RunsOnlyDueSources(t *testing.T) {
	r := &fakeRunner{statuses: []pidsync.SourceStatus{
		status("never", nil, ""),
		status("past", at(-time.Minute), ""),
		status("exact", at(0), ""),
		status("future", at(time.Hour), ""),
		status("running", at(-time.Hour), "sync-1"),
	}}

	res, err := newTestScheduler(r, 2).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TickResult{Due: 3, Completed: 3}, res)
	assert.ElementsMatch(t, []string{"never", "past", "exact"}, r.ran)
	for _, m := range r.modes {
		assert.Equal(t, model.SyncModeScheduled, m)
	}
}

func TestTick_BusyAndFailedSourcesDoNotStopOthers(t *testing.T) {
	r := &fakeRunner{
		statuses: []pidsync.SourceStatus{
			status("a", nil, ""),
			status("b", nil, ""),
			status("c", nil, ""),
		},
		errs: map[string]error{
			"a": &pidsync.ConcurrentRunError{SourceID: "a", ActiveSyncID: "other"},
			"b": &pidsync.SourceUnavailableError{SourceID: "b", Err: errors.New("503")},
		},
	}

	res, err := newTestScheduler(r, 1).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 3, Completed: 1, Busy: 1, Failed: 1}, res)
	assert.Len(t, r.ran, 3)
}

func TestTick_BoundsConcurrency(t *testing.T) {
	var statuses []pidsync.SourceStatus
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		statuses = append(statuses, status(id, nil, ""))
	}
	r := &fakeRunner{statuses: statuses, block: make(chan struct{})}

	done := make(chan TickResult)
	go func() {
		res, _ := newTestScheduler(r, 2).Tick(context.Background())
		done <- res
	}()

	require.Eventually(t, func() bool { return r.inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(r.block)

	res := <-done
	assert.Equal(t, 6, res.Completed)
	assert.Equal(t, int32(2), r.peak.Load())
}

func TestTick_StatusError(t *testing.T) {
	r := &fakeRunner{statusErr: errors.New("db down")}
	_, err := newTestScheduler(r, 1).Tick(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, r.ran)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := &fakeRunner{statuses: []pidsync.SourceStatus{status("a", nil, "")}}
	s := newTestScheduler(r, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.ran) == 1
	}, 2*time.Second, 5*time.Millisecond, "first tick runs immediately")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler.Run did not stop after context cancellation")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(&fakeRunner{}, 0, 0)
	assert.Equal(t, defaultInterval, s.interval)
	assert.Equal(t, defaultMaxConcurrent, s.maxConcurrent)
}
