package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var protocolLimit int

func init() {
	protocolListCmd.Flags().IntVarP(&protocolLimit, "limit", "n", 20, "Number of runs to list (0 lists all)")
	protocolCmd.AddCommand(protocolListCmd, protocolShowCmd)
	rootCmd.AddCommand(protocolCmd)
}

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Inspect recorded merge runs",
}

var protocolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := openProtocol()
		if err != nil {
			return err
		}
		defer func() { _ = ps.Close() }() // safe to ignore

		runs, err := ps.List(protocolLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN\tTRACE\tSTARTED\tSTATUS\tCREATED\tMERGED\tREASON")
		for _, p := range runs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				p.RunID, p.TraceID, p.Started.Format(time.RFC3339), p.Status,
				p.Counts.NodesCreated, p.Counts.NodesMerged, p.Reason)
		}
		return tw.Flush()
	},
}

var protocolShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print the full record of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := openProtocol()
		if err != nil {
			return err
		}
		defer func() { _ = ps.Close() }() // safe to ignore

		p, err := ps.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}
