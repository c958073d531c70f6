package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
)

var fixedTime = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func TestFormatStatus(t *testing.T) {
	last := fixedTime
	statuses := []pidsync.SourceStatus{
		{
			State: model.SourceSyncState{
				SourceID:            "ddr",
				HealthStatus:        model.HealthDegraded,
				ConsecutiveFailures: 1,
				LastSyncTimestamp:   &last,
				LastSyncStatus:      model.SyncStatusPartial,
				ActiveSyncID:        "sync-42",
			},
			Alert: model.AlertDegraded,
		},
		{
			State: model.SourceSyncState{SourceID: "mirror", HealthStatus: model.HealthHealthy},
			Alert: model.AlertNeverSynced,
		},
	}

	var buf bytes.Buffer
	formatStatus(&buf, statuses)

	out := buf.String()
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "ALERT")
	assert.Contains(t, out, "ddr")
	assert.Contains(t, out, "DEGRADED")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "sync-42")
	assert.Contains(t, out, "NEVER_SYNCED")
}

func TestFormatHistory(t *testing.T) {
	done := fixedTime.Add(90 * time.Second)
	runs := []model.SyncRun{
		{
			SyncID:      "sync-2",
			Mode:        model.SyncModeIncremental,
			Status:      model.SyncStatusPartial,
			Interrupted: true,
			StartedAt:   fixedTime,
			CompletedAt: &done,
			Counts:      model.SyncCounts{Fetched: 10, New: 2, Updated: 1, Unchanged: 4, Skipped: 2, Failed: 1, EligibleFiles: 5},
		},
		{SyncID: "sync-1", Mode: model.SyncModeFull, Status: model.SyncStatusCompleted, DryRun: true, StartedAt: fixedTime},
	}

	var buf bytes.Buffer
	formatHistory(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "SYNC ID")
	assert.Contains(t, out, "partial (interrupted)")
	assert.Contains(t, out, "completed (dry run)")
	assert.Contains(t, out, "1m30s")
}

func TestFormatRunSummary(t *testing.T) {
	run := &model.SyncRun{
		SyncID:      "sync-3",
		SourceID:    "ddr",
		Mode:        model.SyncModeManual,
		Status:      model.SyncStatusPartial,
		Interrupted: true,
		Checkpoint:  "item-07",
		Counts:      model.SyncCounts{Fetched: 3, New: 1, Failed: 1, EligibleFiles: 2},
		ItemsFailed: []string{"item-05"},
		ErrorLog:    []string{"item item-05: retries exhausted: timeout"},
	}

	var buf bytes.Buffer
	formatRunSummary(&buf, run)

	out := buf.String()
	assert.Contains(t, out, "Sync sync-3 (ddr, manual)")
	assert.Contains(t, out, "resume at:  item-07")
	assert.Contains(t, out, "ML files:   2")
	assert.Contains(t, out, "failed ids: item-05")
	assert.Contains(t, out, "! item item-05: retries exhausted")
}

func TestFormatLineage(t *testing.T) {
	year := 1963
	l := &model.Lineage{
		Chunk:    model.Chunk{ChunkID: "c1"},
		Document: model.AuthorityRecord{RecordID: "r1", PID: "564310168393"},
		Citation: model.Citation{PID: "564310168393", Creator: "Archer, L. Bruce", Title: "Systematic method", Year: &year},
		TrainingRuns: []model.TrainingRun{
			{RunID: "train_abc", ModelName: "design-lm", TotalChunks: 12, CreatedAt: fixedTime},
		},
		Inferences: []model.InferenceLog{
			{InferenceID: "inf_def", ModelVersion: "v1", Query: "What is a design method?", CreatedAt: fixedTime},
		},
	}

	var buf bytes.Buffer
	formatLineage(&buf, l)

	out := buf.String()
	assert.Contains(t, out, "Chunk c1 (record r1, pid 564310168393)")
	assert.Contains(t, out, "Archer, L. Bruce, Systematic method (1963)")
	assert.Contains(t, out, "train_abc")
	assert.Contains(t, out, "inf_def")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
