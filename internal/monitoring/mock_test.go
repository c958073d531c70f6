package monitoring

import (
	"context"
	"time"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

type mockStates struct {
	states  []model.SourceSyncState
	runs    map[string][]model.SyncRun
	listErr error
}

func (m *mockStates) ListSyncStates(_ context.Context) ([]model.SourceSyncState, error) {
	return m.states, m.listErr
}

func (m *mockStates) ListSyncRuns(_ context.Context, sourceID string, limit int) ([]model.SyncRun, error) {
	runs := m.runs[sourceID]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

var checkTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := checkTime.Add(-d)
	return &t
}

// fleet returns one source per alert status.
func fleet() *mockStates {
	return &mockStates{
		states: []model.SourceSyncState{
			{SourceID: "ok", HealthStatus: model.HealthHealthy, SyncFrequency: time.Hour, LastSyncTimestamp: ago(time.Hour)},
			{SourceID: "never", HealthStatus: model.HealthHealthy, SyncFrequency: time.Hour},
			{SourceID: "late", HealthStatus: model.HealthHealthy, SyncFrequency: time.Hour, LastSyncTimestamp: ago(2 * time.Hour)},
			{SourceID: "flaky", HealthStatus: model.HealthDegraded, ConsecutiveFailures: 1, SyncFrequency: time.Hour, LastSyncTimestamp: ago(time.Hour), ActiveSyncID: "s-9"},
			{SourceID: "down", HealthStatus: model.HealthOffline, ConsecutiveFailures: 3, SyncFrequency: 24 * time.Hour, LastSyncTimestamp: ago(time.Hour)},
		},
		runs: map[string][]model.SyncRun{
			"down": {{SyncID: "s-3", SourceID: "down", Status: model.SyncStatusFailed}},
		},
	}
}

func newTestCollector(st StateReader) *Collector {
	c := NewCollector(st)
	c.now = func() time.Time { return checkTime }
	return c
}
