package main

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/spf13/cobra"
)

func newBuildCmd(cfg *config.Config) *cobra.Command {
	var (
		project    string
		resume     string
		corpusPath string
		enqueue    bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Grow the knowledge graph until it converges",
		Long: `Seed a project from the corpus, or resume it from a checkpoint, and run
extraction rounds until the extend ratio falls below the threshold, the
corpus is exhausted or the iteration budget is spent. On convergence the
final log is converted into the served graph data file.

Examples:
  chatkg build --project project_v1
  chatkg build --project project_v1 --resume latest
  chatkg build --resume data/project_v1/iteration_v3
  chatkg build --project project_v2 --enqueue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if project == "" {
				project = cfg.Build.Project
			}
			job, err := queue.NewBuildJob(project, resume, corpusPath)
			if err != nil {
				return err
			}

			if enqueue {
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
				if err := queue.PublishBuild(ctx, ch, job); err != nil {
					return err
				}
				logger.Info("[Queue] build enqueued", "job_id", job.JobID, "project", job.Project)
				return nil
			}

			aiClient, err := newAIClient(cfg.AI)
			if err != nil {
				return err
			}
			deps, err := buildDeps(ctx, cfg, aiClient, project)
			if err != nil {
				return err
			}

			res, err := queue.RunBuild(ctx, deps, job)
			if err != nil {
				if res.Dir != "" {
					logger.Warn("[Build] resume with --resume", "checkpoint", res.Dir)
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project directory name under DATA_DIR (default $PROJECT)")
	cmd.Flags().StringVar(&resume, "resume", "", `checkpoint to resume from, or "latest"`)
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "corpus file or s3://bucket/key (default $CORPUS)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish the job to the build queue instead of running it")
	return cmd
}
