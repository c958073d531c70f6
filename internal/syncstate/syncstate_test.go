package syncstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

var t0 = time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)

func run(id string, status model.SyncStatus, started time.Time) model.SyncRun {
	return model.SyncRun{SyncID: id, SourceID: "ddr", Status: status, StartedAt: started}
}

func TestHealthFor(t *testing.T) {
	assert.Equal(t, model.HealthHealthy, HealthFor(0))
	assert.Equal(t, model.HealthDegraded, HealthFor(1))
	assert.Equal(t, model.HealthDegraded, HealthFor(2))
	assert.Equal(t, model.HealthOffline, HealthFor(3))
	assert.Equal(t, model.HealthOffline, HealthFor(10))
}

func TestApply_HealthTransitions(t *testing.T) {
	st := New("ddr", time.Hour)
	want := []model.HealthStatus{model.HealthDegraded, model.HealthDegraded, model.HealthOffline}

	for i, w := range want {
		st = Apply(st, run("f", model.SyncStatusFailed, t0.Add(time.Duration(i)*time.Hour)))
		assert.Equal(t, i+1, st.ConsecutiveFailures)
		assert.Equal(t, w, st.HealthStatus, "after failure %d", i+1)
	}

	st = Apply(st, run("ok", model.SyncStatusCompleted, t0.Add(4*time.Hour)))
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, model.HealthHealthy, st.HealthStatus)
	assert.Equal(t, "ok", st.LastSyncID)
	assert.Equal(t, model.SyncStatusCompleted, st.LastSyncStatus)
}

func TestApply_PartialCountsAsFailure(t *testing.T) {
	st := Apply(New("ddr", time.Hour), run("p", model.SyncStatusPartial, t0))
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, model.HealthDegraded, st.HealthStatus)
	require.NotNil(t, st.LastSyncTimestamp)
	assert.Equal(t, t0, *st.LastSyncTimestamp)
}

func TestApply_Window(t *testing.T) {
	st := Apply(New("ddr", time.Hour), run("c", model.SyncStatusCompleted, t0))
	require.NotNil(t, st.LastSyncTimestamp)
	assert.Equal(t, t0, *st.LastSyncTimestamp)
	require.NotNil(t, st.NextScheduledSync)
	assert.Equal(t, t0.Add(time.Hour), *st.NextScheduledSync)

	failed := Apply(st, run("f", model.SyncStatusFailed, t0.Add(time.Hour)))
	assert.Equal(t, t0, *failed.LastSyncTimestamp, "failed run keeps window")

	interrupted := run("i", model.SyncStatusPartial, t0.Add(2*time.Hour))
	interrupted.Interrupted = true
	after := Apply(st, interrupted)
	assert.Equal(t, t0, *after.LastSyncTimestamp, "interrupted run keeps window")

	dry := run("d", model.SyncStatusCompleted, t0.Add(3*time.Hour))
	dry.DryRun = true
	assert.Equal(t, t0, *Apply(st, dry).LastSyncTimestamp, "dry run keeps window")
}

func TestApply_ResumeChainAdvancesToFirstStart(t *testing.T) {
	st := Apply(New("ddr", time.Hour), run("c", model.SyncStatusCompleted, t0))

	first := run("r1", model.SyncStatusPartial, t0.Add(time.Hour))
	first.Interrupted = true
	st = Apply(st, first)
	require.NotNil(t, st.ResumeWindowStart)
	assert.Equal(t, t0.Add(time.Hour), *st.ResumeWindowStart)

	second := run("r2", model.SyncStatusPartial, t0.Add(2*time.Hour))
	second.Interrupted = true
	st = Apply(st, second)
	assert.Equal(t, t0.Add(time.Hour), *st.ResumeWindowStart, "chain keeps its first start")

	st = Apply(st, run("f", model.SyncStatusFailed, t0.Add(3*time.Hour)))
	assert.Equal(t, t0.Add(time.Hour), *st.ResumeWindowStart, "failed run keeps the chain")
	assert.Equal(t, t0, *st.LastSyncTimestamp)

	st = Apply(st, run("r3", model.SyncStatusCompleted, t0.Add(4*time.Hour)))
	require.NotNil(t, st.LastSyncTimestamp)
	assert.Equal(t, t0.Add(time.Hour), *st.LastSyncTimestamp)
	assert.Nil(t, st.ResumeWindowStart)
}

func TestApply_PendingRetry(t *testing.T) {
	st := New("ddr", time.Hour)

	partial := run("p", model.SyncStatusPartial, t0)
	partial.ItemsProcessed = []string{"a", "c"}
	partial.ItemsFailed = []string{"b", "d"}
	st = Apply(st, partial)
	assert.Equal(t, []string{"b", "d"}, st.PendingRetry)

	failed := run("f", model.SyncStatusFailed, t0.Add(time.Hour))
	failed.ItemsFailed = []string{"e", "b"}
	st = Apply(st, failed)
	assert.Equal(t, []string{"b", "d", "e"}, st.PendingRetry, "failed runs only add")

	scoped := run("m", model.SyncStatusCompleted, t0.Add(2*time.Hour))
	scoped.ItemsProcessed = []string{"d"}
	st = Apply(st, scoped)
	assert.Equal(t, []string{"b", "e"}, st.PendingRetry)

	dry := run("d", model.SyncStatusCompleted, t0.Add(3*time.Hour))
	dry.DryRun = true
	dry.ItemsProcessed = []string{"b", "e"}
	assert.Equal(t, []string{"b", "e"}, Apply(st, dry).PendingRetry, "dry runs leave it alone")

	done := run("c", model.SyncStatusCompleted, t0.Add(4*time.Hour))
	done.ItemsProcessed = []string{"b", "e"}
	assert.Empty(t, Apply(st, done).PendingRetry)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	st := New("ddr", time.Hour)
	_ = Apply(st, run("f", model.SyncStatusFailed, t0))
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Nil(t, st.LastSyncTimestamp)
}

func TestAlert(t *testing.T) {
	synced := t0
	base := model.SourceSyncState{SourceID: "ddr", SyncFrequency: time.Hour, LastSyncTimestamp: &synced}

	tests := []struct {
		name   string
		health model.HealthStatus
		now    time.Time
		never  bool
		want   model.AlertStatus
	}{
		{"never synced", model.HealthOffline, t0, true, model.AlertNeverSynced},
		{"healthy fresh", model.HealthHealthy, t0.Add(time.Hour), false, model.AlertOK},
		{"degraded fresh", model.HealthDegraded, t0.Add(time.Hour), false, model.AlertDegraded},
		{"offline fresh", model.HealthOffline, t0.Add(time.Hour), false, model.AlertOffline},
		{"exactly at limit", model.HealthHealthy, t0.Add(90 * time.Minute), false, model.AlertOK},
		{"overdue beats degraded", model.HealthDegraded, t0.Add(91 * time.Minute), false, model.AlertOverdue},
		{"overdue beats offline", model.HealthOffline, t0.Add(5 * time.Hour), false, model.AlertOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := base
			st.HealthStatus = tt.health
			if tt.never {
				st.LastSyncTimestamp = nil
			}
			assert.Equal(t, tt.want, Alert(st, tt.now))
		})
	}
}

func TestDue(t *testing.T) {
	st := New("ddr", time.Hour)
	assert.True(t, Due(st, t0), "never scheduled")

	next := t0.Add(time.Hour)
	st.NextScheduledSync = &next
	assert.False(t, Due(st, t0.Add(30*time.Minute)))
	assert.True(t, Due(st, next))

	st.ActiveSyncID = "sync-1"
	assert.False(t, Due(st, next.Add(time.Hour)), "claimed source is not due")
}

func TestNew_DefaultFrequency(t *testing.T) {
	st := New("ddr", 0)
	assert.Equal(t, DefaultFrequency, st.SyncFrequency)
	assert.Equal(t, model.HealthHealthy, st.HealthStatus)
}
