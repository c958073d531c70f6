package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddr-archive/corpus-cli/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage corpus snapshots",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Capture an immutable snapshot of the training corpus",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("snapshot"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		publisher, err := initPublisher(ctx)
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		desc, _ := cmd.Flags().GetString("description")
		snap, err := snapshot.NewBuilder(st, publisher).BuildSnapshot(ctx, name, desc)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		fmt.Fprintf(os.Stdout, "snapshot %s\n", snap.SnapshotID)
		fmt.Fprintf(os.Stdout, "  documents: %d  chunks: %d\n", snap.DocumentCount, snap.ChunkCount)
		fmt.Fprintf(os.Stdout, "  checksum:  %s\n", snap.ManifestChecksum)
		if snap.ManifestURI != "" {
			fmt.Fprintf(os.Stdout, "  manifest:  %s\n", snap.ManifestURI)
		}
		if d := snap.ChangesSinceLast; d != nil {
			fmt.Fprintf(os.Stdout, "  since %s: +%d pids, -%d pids, %+d chunks\n",
				d.PreviousSnapshotID, len(d.AddedPIDs), len(d.RemovedPIDs), d.ChunkDelta)
		}
		return nil
	},
}

func init() {
	snapshotBuildCmd.Flags().String("name", "", "snapshot name (required)")
	snapshotBuildCmd.Flags().String("description", "", "free-text description")
	snapshotBuildCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	_ = snapshotBuildCmd.MarkFlagRequired("name")

	snapshotCmd.AddCommand(snapshotBuildCmd)
	rootCmd.AddCommand(snapshotCmd)
}
