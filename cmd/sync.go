package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/scheduler"
	"github.com/ddr-archive/corpus-cli/internal/workflow"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect source syncs",
}

// -- sync run --

var syncRunCmd = &cobra.Command{
	Use:   "run <source-id>",
	Short: "Run one sync of a source in the foreground",
	Long:  "Runs a sync of the source and waits for it to finalize. Ctrl-C interrupts the run; the next run resumes from its checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		modeFlag, _ := cmd.Flags().GetString("mode")
		pids, _ := cmd.Flags().GetStringSlice("pid")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		if len(pids) > 0 && !cmd.Flags().Changed("mode") {
			modeFlag = string(model.SyncModeManual)
		}
		mode, err := model.ParseSyncMode(modeFlag)
		if err != nil {
			return err
		}

		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.Run(ctx, args[0], mode, pidsync.RunOptions{PIDs: pids, DryRun: dryRun})
		if run != nil {
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(run)
			} else {
				formatRunSummary(os.Stdout, run)
			}
		}
		if err != nil {
			return eris.Wrap(err, "sync run")
		}
		return nil
	},
}

// -- sync status --

var syncStatusCmd = &cobra.Command{
	Use:   "status [source-id]",
	Short: "Show sync health and alert status of sources",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var statuses []pidsync.SourceStatus
		if len(args) == 1 {
			st, err := env.Orchestrator.Status(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "sync status")
			}
			statuses = []pidsync.SourceStatus{*st}
		} else {
			statuses, err = env.Orchestrator.StatusAll(ctx)
			if err != nil {
				return eris.Wrap(err, "sync status")
			}
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		}
		if len(statuses) == 0 {
			fmt.Fprintln(os.Stderr, "No sources configured.")
			return nil
		}
		formatStatus(os.Stdout, statuses)
		return nil
	},
}

// -- sync history --

var syncHistoryCmd = &cobra.Command{
	Use:   "history <source-id>",
	Short: "List past sync runs of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListSyncRuns(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "sync history")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatHistory(os.Stdout, runs)
		return nil
	},
}

// -- sync due --

var syncDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Run every source whose scheduled sync is due, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Orchestrator, time.Duration(cfg.Scheduler.IntervalSecs)*time.Second, cfg.Scheduler.MaxConcurrent)
		res, err := sched.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "due: %d  completed: %d  busy: %d  failed: %d\n", res.Due, res.Completed, res.Busy, res.Failed)
		return nil
	},
}

// -- sync submit --

var syncSubmitCmd = &cobra.Command{
	Use:   "submit <source-id>",
	Short: "Start a durable sync workflow on the Temporal worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		modeFlag, _ := cmd.Flags().GetString("mode")
		pids, _ := cmd.Flags().GetStringSlice("pid")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		wait, _ := cmd.Flags().GetBool("wait")
		mode, err := model.ParseSyncMode(modeFlag)
		if err != nil {
			return err
		}

		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return eris.Wrap(err, "temporal dial")
		}
		defer c.Close()

		run, err := workflow.Start(ctx, c, cfg.Temporal.TaskQueue, workflow.SyncInput{
			SourceID: args[0],
			Mode:     mode,
			PIDs:     pids,
			DryRun:   dryRun,
		})
		if err != nil {
			return err
		}
		zap.L().Info("sync workflow started",
			zap.String("workflow_id", run.GetID()),
			zap.String("run_id", run.GetRunID()),
		)
		if !wait {
			fmt.Fprintf(os.Stdout, "workflow %s started (run %s)\n", run.GetID(), run.GetRunID())
			return nil
		}

		var res workflow.SyncResult
		if err := run.Get(ctx, &res); err != nil {
			return eris.Wrap(err, "sync workflow")
		}
		fmt.Fprintf(os.Stdout, "sync %s finished: %s (new %d, updated %d, failed %d)\n",
			res.SyncID, res.Status, res.Counts.New, res.Counts.Updated, res.Counts.Failed)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{syncRunCmd, syncSubmitCmd} {
		c.Flags().String("mode", string(model.SyncModeIncremental), "sync mode: scheduled, manual, incremental, full")
		c.Flags().StringSlice("pid", nil, "limit a manual run to these pids (repeatable)")
		c.Flags().Bool("dry-run", false, "evaluate and predict outcomes without writing records")
	}
	syncRunCmd.Flags().Bool("json", false, "print the finalized run as JSON")
	syncStatusCmd.Flags().Bool("json", false, "print status as JSON")
	syncHistoryCmd.Flags().Int("limit", 20, "maximum runs to list")
	syncSubmitCmd.Flags().Bool("wait", false, "wait for the workflow to finish")

	syncCmd.AddCommand(syncRunCmd, syncStatusCmd, syncHistoryCmd, syncDueCmd, syncSubmitCmd)
	rootCmd.AddCommand(syncCmd)
}
