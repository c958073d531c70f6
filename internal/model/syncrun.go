package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SyncMode selects how a sync run computes its fetch window.
type SyncMode string

const (
	SyncModeScheduled   SyncMode = "scheduled"
	SyncModeManual      SyncMode = "manual"
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFull        SyncMode = "full"
)

// ParseSyncMode converts a string flag into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(s); m {
	case SyncModeScheduled, SyncModeManual, SyncModeIncremental, SyncModeFull:
		return m, nil
	default:
		return "", eris.Errorf("unknown sync mode: %q (valid: scheduled, manual, incremental, full)", s)
	}
}

// Windowed reports whether the mode fetches only items changed since the
// last sync.
func (m SyncMode) Windowed() bool {
	return m == SyncModeIncremental || m == SyncModeScheduled
}

// SyncStatus is the lifecycle status of a SyncRun.
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusPartial   SyncStatus = "partial"
)

// Terminal reports whether the status is final.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed || s == SyncStatusPartial
}

// SyncCounts tallies what happened to the items of a run.
type SyncCounts struct {
	Fetched   int `json:"fetched"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	// EligibleFiles sums the eligible master files of accepted items. It is
	// the only file-level counter; item counters never stand in for it.
	EligibleFiles int `json:"eligible_files"`
}

// SyncRun is one execution of the sync orchestrator for one source.
type SyncRun struct {
	SyncID         string     `json:"sync_id"`
	SourceID       string     `json:"source_id"`
	Mode           SyncMode   `json:"mode"`
	Status         SyncStatus `json:"status"`
	DryRun         bool       `json:"dry_run,omitempty"`
	Interrupted    bool       `json:"interrupted,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Counts         SyncCounts `json:"counts"`
	Checkpoint     string     `json:"checkpoint,omitempty"`
	ItemsProcessed []string   `json:"items_processed"`
	ItemsFailed    []string   `json:"items_failed"`
	ErrorLog       []string   `json:"error_log,omitempty"`
}

// Duration returns the run's wall time, or zero while it is running.
func (r *SyncRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
