package main

import (
	"fmt"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/pkg/checkpoint"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/spf13/cobra"
)

func newConvertCmd(cfg *config.Config) *cobra.Command {
	var (
		kg     string
		out    string
		policy string
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a triple log into the served graph data file",
		Long: `Replay a knowledge_graph.json triple log into a node/link/sentence store.
Without --kg the log of the latest iteration of the latest project under
DATA_DIR is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kg == "" {
				latest, err := checkpoint.LatestLog(cfg.Build.DataDir)
				if err != nil {
					return fmt.Errorf("no triple log found under %s: %w", cfg.Build.DataDir, err)
				}
				kg = latest
			}
			if out == "" {
				out = cfg.Serve.GraphData
			}
			if policy == "" {
				policy = cfg.Build.EdgePolicy
			}

			size, err := graph.ConvertFile(kg, out, graph.ParseEdgePolicy(policy))
			if err != nil {
				return err
			}
			logger.Info("[Convert] graph data written", "log", kg, "out", out, "nodes", size.Nodes, "links", size.Links, "sents", size.Sents)
			return nil
		},
	}

	cmd.Flags().StringVar(&kg, "kg", "", "triple log to convert (default: latest)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default $GRAPH_DATA_PATH)")
	cmd.Flags().StringVar(&policy, "edge-policy", "", "accumulate or dedupe (default $EDGE_POLICY)")
	return cmd
}
