package main

import (
	"encoding/json"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/pkg/retrieve"

	"github.com/spf13/cobra"
)

func newSearchCmd(cfg *config.Config) *cobra.Command {
	var (
		depth int
		data  string
	)

	cmd := &cobra.Command{
		Use:   "search NAME...",
		Short: "Print the subgraph around one or more entity names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data == "" {
				data = cfg.Serve.GraphData
			}
			if depth == 0 {
				depth = cfg.Serve.SearchDepth
			}
			sub, err := retrieve.New(data).Retrieve(cmd.Context(), args, depth)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(sub)
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "expansion rounds (default $SEARCH_DEPTH)")
	cmd.Flags().StringVar(&data, "data", "", "graph data file (default $GRAPH_DATA_PATH)")
	return cmd
}
