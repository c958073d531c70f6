package model

import "time"

// HealthStatus classifies a source's sync reliability.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
)

// AlertStatus is derived on read from health and staleness; it is never stored.
type AlertStatus string

const (
	AlertNeverSynced AlertStatus = "NEVER_SYNCED"
	AlertOverdue     AlertStatus = "OVERDUE"
	AlertOK          AlertStatus = "OK"
	AlertDegraded    AlertStatus = "DEGRADED"
	AlertOffline     AlertStatus = "OFFLINE"
)

// SourceSyncState is the long-lived per-source sync row. Only the
// orchestrator's finalize and claim steps write it.
type SourceSyncState struct {
	SourceID            string        `json:"source_id"`
	LastSyncTimestamp   *time.Time    `json:"last_sync_timestamp,omitempty"`
	LastSyncID          string        `json:"last_sync_id,omitempty"`
	LastSyncStatus      SyncStatus    `json:"last_sync_status,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	HealthStatus        HealthStatus  `json:"health_status"`
	SyncFrequency       time.Duration `json:"sync_frequency"`
	NextScheduledSync   *time.Time    `json:"next_scheduled_sync,omitempty"`

	// ActiveSyncID and ClaimedAt form the per-source run claim.
	ActiveSyncID string     `json:"active_sync_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	// ResumeCheckpoint is the checkpoint of an interrupted run, picked up by
	// the next run of the source.
	ResumeCheckpoint string `json:"resume_checkpoint,omitempty"`
	// ResumeWindowStart is the start of the first run of an interrupted
	// chain. The window advances to it once the chain drains.
	ResumeWindowStart *time.Time `json:"resume_window_start,omitempty"`
	// PendingRetry holds the ids of failed items that no later run has
	// processed yet. Non-scoped runs re-resolve them.
	PendingRetry []string  `json:"pending_retry,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
