package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/util"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
	"github.com/OFFIS-RIT/chatkg/pkg/logger/console"

	"github.com/spf13/cobra"
)

func main() {
	util.LoadEnv()
	cfg := config.Load()

	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		JSON:   cfg.JSONLog,
		Prefix: "chatkg",
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatkg",
		Short: "Build and query a knowledge graph grown from a text corpus",
		Long: `chatkg grows a knowledge graph from a plain-text corpus by iterative
model-driven triple extraction, and serves graph retrieval and a grounded
chat assistant over HTTP.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newBuildCmd(cfg),
		newConvertCmd(cfg),
		newSearchCmd(cfg),
		newServeCmd(cfg),
		newWorkerCmd(cfg),
	)
	return root
}
