package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

// SourceHealth is the derived view of one source at collection time.
type SourceHealth struct {
	SourceID            string             `json:"source_id"`
	Health              model.HealthStatus `json:"health_status"`
	Alert               model.AlertStatus  `json:"alert_status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastSyncTimestamp   *time.Time         `json:"last_sync_timestamp,omitempty"`
	LastSyncStatus      model.SyncStatus   `json:"last_sync_status,omitempty"`
	NextScheduledSync   *time.Time         `json:"next_scheduled_sync,omitempty"`
	ActiveSyncID        string             `json:"active_sync_id,omitempty"`
	LastRun             *model.SyncRun     `json:"last_run,omitempty"`
}

// HealthSnapshot holds a point-in-time view of every source.
type HealthSnapshot struct {
	Sources []SourceHealth `json:"sources"`

	Total       int `json:"total"`
	OK          int `json:"ok"`
	Degraded    int `json:"degraded"`
	Offline     int `json:"offline"`
	Overdue     int `json:"overdue"`
	NeverSynced int `json:"never_synced"`
	Running     int `json:"running"`

	CollectedAt time.Time `json:"collected_at"`
}

// StateReader abstracts the store methods needed by the collector.
type StateReader interface {
	ListSyncStates(ctx context.Context) ([]model.SourceSyncState, error)
	ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error)
}

// Collector gathers source health from the sync state table.
type Collector struct {
	store StateReader
	now   func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(st StateReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect derives the alert status of every known source.
func (c *Collector) Collect(ctx context.Context) (*HealthSnapshot, error) {
	now := c.now().UTC()
	states, err := c.store.ListSyncStates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync states")
	}

	snap := &HealthSnapshot{
		Sources:     make([]SourceHealth, 0, len(states)),
		Total:       len(states),
		CollectedAt: now,
	}

	for _, st := range states {
		h := SourceHealth{
			SourceID:            st.SourceID,
			Health:              st.HealthStatus,
			Alert:               syncstate.Alert(st, now),
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastSyncTimestamp:   st.LastSyncTimestamp,
			LastSyncStatus:      st.LastSyncStatus,
			NextScheduledSync:   st.NextScheduledSync,
			ActiveSyncID:        st.ActiveSyncID,
		}

		runs, err := c.store.ListSyncRuns(ctx, st.SourceID, 1)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last run of %s", st.SourceID)
		}
		if len(runs) > 0 {
			h.LastRun = &runs[0]
		}

		switch h.Alert {
		case model.AlertOK:
			snap.OK++
		case model.AlertDegraded:
			snap.Degraded++
		case model.AlertOffline:
			snap.Offline++
		case model.AlertOverdue:
			snap.Overdue++
		case model.AlertNeverSynced:
			snap.NeverSynced++
		}
		if h.ActiveSyncID != "" {
			snap.Running++
		}
		snap.Sources = append(snap.Sources, h)
	}

	sort.Slice(snap.Sources, func(i, j int) bool {
		return snap.Sources[i].SourceID < snap.Sources[j].SourceID
	})
	return snap, nil
}
