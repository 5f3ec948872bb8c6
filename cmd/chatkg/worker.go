package main

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/spf13/cobra"
)

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run build jobs from the build queue",
		Long: `Consume build jobs one at a time. A failed job is retried through the
retry queue and moved to the dead-letter queue after 10 attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			aiClient, err := newAIClient(cfg.AI)
			if err != nil {
				return err
			}

			conn, err := queue.Init(cfg.Queue)
			if err != nil {
				return err
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("failed to open channel: %w", err)
			}
			defer ch.Close()
			if err := queue.SetupQueues(ch, queue.BuildQueue); err != nil {
				return err
			}

			consumerCh, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("failed to open consumer channel: %w", err)
			}
			defer consumerCh.Close()

			w := &queue.Worker{
				Pub: ch,
				AI:  aiClient,
				Process: func(ctx context.Context, job queue.BuildJob) error {
					if job.Project == "" {
						job.Project = cfg.Build.Project
					}
					deps, err := buildDeps(ctx, cfg, aiClient, job.Project)
					if err != nil {
						return err
					}
					res, err := queue.RunBuild(ctx, deps, job)
					if err != nil {
						return err
					}
					logger.Info("[Worker] build finished", "job_id", res.JobID, "project", res.Project, "state", res.State, "version", res.Version)
					return nil
				},
			}

			err = w.Consume(ctx, consumerCh)
			logger.Info("Shutdown signal received, exiting...")
			return err
		},
	}
}
