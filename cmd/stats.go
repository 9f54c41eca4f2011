package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tiles, nodes, edges and crossings of the map",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }() // read only

		st, err := e.store.Stats()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statsJSON {
			return json.NewEncoder(out).Encode(statsOf(st))
		}
		_, err = fmt.Fprintf(out, "tiles     %d\nnodes     %d\nedges     %d\ncrossings %d\ncached    %d\n",
			st.Tiles, st.Nodes, st.Edges, st.Crossings, st.Cached)
		return err
	},
}
