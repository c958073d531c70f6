package pidsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

func TestTrigger_CancelInterruptsRun(t *testing.T) {
	src := newFakeSource(eligibleItems(4)...)
	started := make(chan struct{})
	src.onResolve = func(ctx context.Context, id string) error {
		if id != "item-03" {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	o, st := newTestOrchestrator(t, src, nil)
	ctx := context.Background()

	syncID, err := o.Trigger(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, syncID)

	<-started
	_, err = o.Trigger(ctx, "ddr", model.SyncModeFull, RunOptions{})
	var cre *ConcurrentRunError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, syncID, cre.ActiveSyncID)
	assert.Contains(t, o.Active(), syncID)

	assert.True(t, o.Cancel(syncID))
	assert.False(t, o.Cancel("unknown"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(shutdownCtx))

	run, err := st.GetSyncRun(ctx, syncID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPartial, run.Status)
	assert.True(t, run.Interrupted)
	assert.Equal(t, "item-02", run.Checkpoint)

	_, err = o.Trigger(ctx, "ddr", model.SyncModeFull, RunOptions{})
	assert.ErrorIs(t, err, ErrShutdown, "no new runs after shutdown")
}

func TestLaunch_AfterShutdownReleasesClaim(t *testing.T) {
	src := newFakeSource(eligibleItem(1))
	o, st := newTestOrchestrator(t, src, nil)
	ctx := context.Background()

	j, err := o.start(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)
	o.baseCancel()
	require.ErrorIs(t, o.launch(ctx, j), ErrShutdown)
	assert.Empty(t, o.Active())
	assert.Empty(t, src.resolvedIDs())

	run, err := st.GetSyncRun(ctx, j.run.SyncID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, run.Status)
	require.NotNil(t, run.CompletedAt)

	state, err := st.GetSyncState(ctx, "ddr")
	require.NoError(t, err)
	assert.Empty(t, state.ActiveSyncID)
	assert.Nil(t, state.ClaimedAt)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Empty(t, state.LastSyncID)

	next, err := o.Run(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err, "the source is free for the next run")
	assert.Equal(t, model.SyncStatusCompleted, next.Status)
}

func TestTrigger_ShutdownInterruptsEveryRun(t *testing.T) {
	block := func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	a := newFakeSource(eligibleItem(1))
	a.onResolve = block
	b := newFakeSource(eligibleItem(2))
	b.onResolve = block

	o, st := newTestOrchestrator(t, a, nil)
	o.Register("mirror", b, nil, time.Hour)
	ctx := context.Background()

	idA, err := o.Trigger(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)
	idB, err := o.Trigger(ctx, "mirror", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(shutdownCtx))

	for _, id := range []string{idA, idB} {
		run, err := st.GetSyncRun(ctx, id)
		require.NoError(t, err)
		assert.True(t, run.Interrupted)
		assert.True(t, run.Status.Terminal())
	}
	assert.Empty(t, o.Active())
}

func TestStatus(t *testing.T) {
	src := newFakeSource(eligibleItem(1))
	o, _ := newTestOrchestrator(t, src, nil)
	ctx := context.Background()

	before, err := o.Status(ctx, "ddr")
	require.NoError(t, err)
	assert.Equal(t, model.AlertNeverSynced, before.Alert)
	assert.Nil(t, before.LastRun)

	run, err := o.Run(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)

	after, err := o.Status(ctx, "ddr")
	require.NoError(t, err)
	assert.Equal(t, model.AlertOK, after.Alert)
	assert.False(t, after.Overdue)
	require.NotNil(t, after.LastRun)
	assert.Equal(t, run.SyncID, after.LastRun.SyncID)
	assert.Nil(t, after.ActiveRun)

	o.now = func() time.Time { return run.StartedAt.Add(2 * time.Hour) }
	late, err := o.Status(ctx, "ddr")
	require.NoError(t, err)
	assert.Equal(t, model.AlertOverdue, late.Alert)

	_, err = o.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestStatusAllIncludesUnsyncedSources(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeSource(eligibleItem(1)), nil)
	o.Register("mirror", newFakeSource(), nil, time.Hour)
	ctx := context.Background()

	_, err := o.Run(ctx, "ddr", model.SyncModeFull, RunOptions{})
	require.NoError(t, err)

	all, err := o.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	alerts := map[string]model.AlertStatus{}
	for _, s := range all {
		alerts[s.State.SourceID] = s.Alert
	}
	assert.Equal(t, model.AlertOK, alerts["ddr"])
	assert.Equal(t, model.AlertNeverSynced, alerts["mirror"])
}

func TestHistory(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeSource(eligibleItem(1)), nil)
	ctx := context.Background()

	var ids []string
	for range 3 {
		run, err := o.Run(ctx, "ddr", model.SyncModeFull, RunOptions{})
		require.NoError(t, err)
		ids = append(ids, run.SyncID)
	}

	runs, err := o.History(ctx, "ddr", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].SyncID)
	assert.Equal(t, ids[1], runs[1].SyncID)
}

func TestHTTPHandoff(t *testing.T) {
	var got handoffRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.PID == "reject" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTPHandoff(srv.URL, time.Second)
	files := []model.FileRef{{ID: "f1", Role: "master"}}
	err := h.Submit(context.Background(), &model.AuthorityRecord{PID: "564310168393", RecordID: "r1", SyncVersion: 2}, files)
	require.NoError(t, err)
	assert.Equal(t, "564310168393", got.PID)
	assert.Equal(t, int64(2), got.SyncVersion)
	require.Len(t, got.Files, 1)

	err = h.Submit(context.Background(), &model.AuthorityRecord{PID: "reject"}, nil)
	assert.ErrorContains(t, err, "status 422")
}
