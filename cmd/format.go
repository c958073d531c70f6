package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
)

const timeLayout = "2006-01-02 15:04"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// formatStatus renders one row per source.
func formatStatus(w io.Writer, statuses []pidsync.SourceStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "Alert", "Health", "Failures", "Last Sync", "Last Status", "Next Sync", "Active"})
	for _, s := range statuses {
		st := s.State
		active := st.ActiveSyncID
		if active == "" {
			active = "-"
		}
		t.AppendRow(table.Row{
			st.SourceID,
			s.Alert,
			st.HealthStatus,
			st.ConsecutiveFailures,
			formatTime(st.LastSyncTimestamp),
			orDash(string(st.LastSyncStatus)),
			formatTime(st.NextScheduledSync),
			active,
		})
	}
	t.Render()
}

// formatHistory renders a source's runs, newest first.
func formatHistory(w io.Writer, runs []model.SyncRun) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Sync ID", "Mode", "Status", "Started", "Duration", "Fetched", "New", "Updated", "Unchanged", "Skipped", "Failed", "Files"})
	for _, r := range runs {
		status := string(r.Status)
		if r.Interrupted {
			status += " (interrupted)"
		}
		if r.DryRun {
			status += " (dry run)"
		}
		c := r.Counts
		t.AppendRow(table.Row{
			r.SyncID,
			r.Mode,
			status,
			formatTime(&r.StartedAt),
			r.Duration().Round(time.Second),
			c.Fetched, c.New, c.Updated, c.Unchanged, c.Skipped, c.Failed, c.EligibleFiles,
		})
	}
	t.Render()
}

// formatRunSummary prints the outcome of a single run.
func formatRunSummary(w io.Writer, run *model.SyncRun) {
	c := run.Counts
	fmt.Fprintf(w, "Sync %s (%s, %s)\n", run.SyncID, run.SourceID, run.Mode)
	fmt.Fprintf(w, "  status:     %s\n", run.Status)
	if run.Interrupted {
		fmt.Fprintf(w, "  resume at:  %s\n", run.Checkpoint)
	}
	fmt.Fprintf(w, "  fetched:    %d\n", c.Fetched)
	fmt.Fprintf(w, "  new:        %d\n", c.New)
	fmt.Fprintf(w, "  updated:    %d\n", c.Updated)
	fmt.Fprintf(w, "  unchanged:  %d\n", c.Unchanged)
	fmt.Fprintf(w, "  skipped:    %d\n", c.Skipped)
	fmt.Fprintf(w, "  failed:     %d\n", c.Failed)
	fmt.Fprintf(w, "  ML files:   %d\n", c.EligibleFiles)
	if len(run.ItemsFailed) > 0 {
		fmt.Fprintf(w, "  failed ids: %s\n", strings.Join(run.ItemsFailed, ", "))
	}
	for _, e := range run.ErrorLog {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

// formatLineage prints a chunk's citation and the ledger rows that use it.
func formatLineage(w io.Writer, l *model.Lineage) {
	fmt.Fprintf(w, "Chunk %s (record %s, pid %s)\n", l.Chunk.ChunkID, l.Document.RecordID, l.Document.PID)
	fmt.Fprintf(w, "Citation: %s\n\n", l.Citation.Formatted())

	runs := newTable(w)
	runs.SetTitle("Training runs")
	runs.AppendHeader(table.Row{"Run ID", "Model", "Snapshot", "Chunks", "Created"})
	for _, r := range l.TrainingRuns {
		runs.AppendRow(table.Row{r.RunID, r.ModelName, orDash(r.SnapshotID), r.TotalChunks, formatTime(&r.CreatedAt)})
	}
	runs.Render()

	infs := newTable(w)
	infs.SetTitle("Inferences")
	infs.AppendHeader(table.Row{"Inference ID", "Model Version", "Query", "Created"})
	for _, i := range l.Inferences {
		infs.AppendRow(table.Row{i.InferenceID, i.ModelVersion, truncate(i.Query, 60), formatTime(&i.CreatedAt)})
	}
	infs.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
