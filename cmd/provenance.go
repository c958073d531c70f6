package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddr-archive/corpus-cli/internal/provenance"
)

var provenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "Inspect citations and lineage of corpus chunks",
}

var citeCmd = &cobra.Command{
	Use:   "cite <chunk-id>",
	Short: "Print the citation of a chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := provenance.New(st).GetCitation(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(c)
		}
		fmt.Fprintln(os.Stdout, c.Formatted())
		return nil
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <chunk-id>",
	Short: "Show the training runs and inferences that used a chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l, err := provenance.New(st).GetLineage(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(l)
		}
		formatLineage(os.Stdout, l)
		return nil
	},
}

func init() {
	citeCmd.Flags().Bool("json", false, "print the citation as JSON")
	lineageCmd.Flags().Bool("json", false, "print the lineage as JSON")
	provenanceCmd.AddCommand(citeCmd, lineageCmd)
	rootCmd.AddCommand(provenanceCmd)
}
