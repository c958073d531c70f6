package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

func TestCollector_Collect(t *testing.T) {
	snap, err := newTestCollector(fleet()).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 1, snap.OK)
	assert.Equal(t, 1, snap.NeverSynced)
	assert.Equal(t, 1, snap.Overdue)
	assert.Equal(t, 1, snap.Degraded)
	assert.Equal(t, 1, snap.Offline)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, checkTime, snap.CollectedAt)

	ids := make([]string, len(snap.Sources))
	for i, s := range snap.Sources {
		ids[i] = s.SourceID
	}
	assert.Equal(t, []string{"down", "flaky", "late", "never", "ok"}, ids)

	down := snap.Sources[0]
	assert.Equal(t, model.AlertOffline, down.Alert)
	require.NotNil(t, down.LastRun)
	assert.Equal(t, "s-3", down.LastRun.SyncID)
	assert.Nil(t, snap.Sources[4].LastRun)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockStates{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Total)
	assert.Empty(t, snap.Sources)
}

func TestCollector_StoreError(t *testing.T) {
	_, err := newTestCollector(&mockStates{listErr: errors.New("db down")}).Collect(context.Background())
	assert.ErrorContains(t, err, "db down")
}
