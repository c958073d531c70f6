// Package syncstate holds the per-source health state machine and the alert
// status derived from it on read.
package syncstate

import (
	"slices"
	"time"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

const (
	// OfflineThreshold is the number of consecutive failed or partial runs
	// that takes a source offline.
	OfflineThreshold = 3

	// OverdueFactor scales the sync frequency into the staleness limit.
	OverdueFactor = 1.5

	// DefaultFrequency applies to sources registered without one.
	DefaultFrequency = 24 * time.Hour
)

// New returns the initial state of a source.
func New(sourceID string, frequency time.Duration) model.SourceSyncState {
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	return model.SourceSyncState{
		SourceID:      sourceID,
		HealthStatus:  model.HealthHealthy,
		SyncFrequency: frequency,
	}
}

// HealthFor maps a consecutive failure count to a health status.
func HealthFor(consecutiveFailures int) model.HealthStatus {
	switch {
	case consecutiveFailures >= OfflineThreshold:
		return model.HealthOffline
	case consecutiveFailures >= 1:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// Apply returns the state after finalizing run. It is called once per run,
// from the orchestrator's finalize step only.
//
// A completed run resets the failure count. A failed or partial run
// increments it. LastSyncTimestamp advances to the run's start for completed
// runs and for partial runs that drained their stream, so the next windowed
// run re-reads anything modified while this one was in flight. An
// interrupted run leaves it alone and resumes from its checkpoint instead;
// the first interrupted run of a chain records its start in
// ResumeWindowStart, and the run that drains the chain advances the window
// to that start rather than its own.
//
// Failed item ids join PendingRetry and processed ids leave it, whatever
// the run's status.
func Apply(state model.SourceSyncState, run model.SyncRun) model.SourceSyncState {
	next := state
	next.LastSyncID = run.SyncID
	next.LastSyncStatus = run.Status

	switch run.Status {
	case model.SyncStatusCompleted:
		next.ConsecutiveFailures = 0
	case model.SyncStatusFailed, model.SyncStatusPartial:
		next.ConsecutiveFailures++
	}
	next.HealthStatus = HealthFor(next.ConsecutiveFailures)

	switch {
	case run.DryRun:
	case run.Interrupted:
		if next.ResumeWindowStart == nil {
			started := run.StartedAt
			next.ResumeWindowStart = &started
		}
	case advancesWindow(run):
		started := run.StartedAt
		if next.ResumeWindowStart != nil {
			started = *next.ResumeWindowStart
		}
		next.LastSyncTimestamp = &started
		next.ResumeWindowStart = nil
	}
	if !run.DryRun {
		next.PendingRetry = pendingAfter(state.PendingRetry, run)
	}

	freq := next.SyncFrequency
	if freq <= 0 {
		freq = DefaultFrequency
	}
	scheduled := run.StartedAt.Add(freq)
	next.NextScheduledSync = &scheduled
	return next
}

func advancesWindow(run model.SyncRun) bool {
	if run.DryRun || run.Interrupted {
		return false
	}
	return run.Status == model.SyncStatusCompleted || run.Status == model.SyncStatusPartial
}

// pendingAfter folds run into the pending retry set: failed ids join it,
// processed ids leave it.
func pendingAfter(pending []string, run model.SyncRun) []string {
	done := make(map[string]bool, len(run.ItemsProcessed))
	for _, id := range run.ItemsProcessed {
		done[id] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, id := range slices.Concat(pending, run.ItemsFailed) {
		if id == "" || done[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Alert derives the alert status of a state at now. OVERDUE takes precedence
// over health because staleness is the more urgent signal.
func Alert(state model.SourceSyncState, now time.Time) model.AlertStatus {
	if state.LastSyncTimestamp == nil {
		return model.AlertNeverSynced
	}
	if Overdue(state, now) {
		return model.AlertOverdue
	}
	switch state.HealthStatus {
	case model.HealthOffline:
		return model.AlertOffline
	case model.HealthDegraded:
		return model.AlertDegraded
	default:
		return model.AlertOK
	}
}

// Overdue reports whether more than OverdueFactor × frequency has elapsed
// since the last successful sync window.
func Overdue(state model.SourceSyncState, now time.Time) bool {
	if state.LastSyncTimestamp == nil {
		return false
	}
	freq := state.SyncFrequency
	if freq <= 0 {
		freq = DefaultFrequency
	}
	limit := time.Duration(float64(freq) * OverdueFactor)
	return now.Sub(*state.LastSyncTimestamp) > limit
}

// Due reports whether the scheduler should start a run for the source.
func Due(state model.SourceSyncState, now time.Time) bool {
	if state.ActiveSyncID != "" {
		return false
	}
	if state.NextScheduledSync == nil {
		return true
	}
	return !now.Before(*state.NextScheduledSync)
}
