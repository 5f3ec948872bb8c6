package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/util"
	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	"github.com/OFFIS-RIT/chatkg/pkg/build"
	"github.com/OFFIS-RIT/chatkg/pkg/checkpoint"
	"github.com/OFFIS-RIT/chatkg/pkg/corpus"
	"github.com/OFFIS-RIT/chatkg/pkg/extract"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/leaselock"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ResumeLatest resumes from the newest committed version of the project,
// or seeds a new lineage when there is none.
const ResumeLatest = "latest"

// lockFile is the lease file inside a project directory.
const lockFile = ".build.lock"

// BuildJob asks for one project to be built to convergence.
type BuildJob struct {
	JobID   string `json:"job_id"`
	Project string `json:"project"`
	// Resume is empty to seed, ResumeLatest, or a checkpoint path.
	Resume string `json:"resume,omitempty"`
	Corpus string `json:"corpus,omitempty"`
}

// NewBuildJob returns a job with a fresh id.
func NewBuildJob(project, resume, corpusPath string) (BuildJob, error) {
	id, err := gonanoid.New()
	if err != nil {
		return BuildJob{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	return BuildJob{JobID: id, Project: project, Resume: resume, Corpus: corpusPath}, nil
}

// BuildResult summarises a finished build job.
type BuildResult struct {
	JobID    string     `json:"job_id"`
	Project  string     `json:"project"`
	State    string     `json:"state"`
	Version  int        `json:"version"`
	Dir      string     `json:"dir"`
	Ratios   []float64  `json:"ratios"`
	DataFile string     `json:"data_file,omitempty"`
	Size     graph.Size `json:"size"`
}

// Deps are the collaborators of a build job. AI is required unless
// Extractor is set. Mirror, Objects and Locks are optional; Objects serves
// s3:// corpus paths.
type Deps struct {
	Config    config.Config
	AI        ai.GraphAIClient
	Extractor build.Extractor
	Mirror    checkpoint.Mirror
	Objects   corpus.ObjectGetter
	Locks     *leaselock.Client
}

func (d Deps) extractor() (build.Extractor, error) {
	if d.Extractor != nil {
		return d.Extractor, nil
	}
	if d.AI == nil {
		return nil, fmt.Errorf("%w: no model client configured", extract.ErrExtractionUnavailable)
	}
	cfg := d.Config.Build
	return extract.NewAdapter(extract.Params{
		Oracle:    extract.NewLLMOracle(d.AI),
		Schema:    extract.DefaultSchema,
		BatchSize: cfg.BatchSize,
		Parallel:  cfg.Parallel,
		Backoff: util.Backoff{
			MaxTries: cfg.MaxRetries,
			Initial:  cfg.RetryInitial,
			Max:      cfg.RetryMax,
		},
	}), nil
}

// RunBuild runs job while holding the project's lease: it seeds or resumes
// the project, iterates until convergence and, once converged, converts the
// final log into the served data file.
func RunBuild(ctx context.Context, deps Deps, job BuildJob) (BuildResult, error) {
	cfg := deps.Config.Build
	project := job.Project
	if project == "" {
		project = cfg.Project
	}
	if filepath.Base(project) != project || project == "." || project == ".." {
		return BuildResult{}, fmt.Errorf("invalid project name %q", project)
	}
	corpusPath := job.Corpus
	if corpusPath == "" {
		corpusPath = cfg.Corpus
	}
	root := filepath.Join(cfg.DataDir, project)

	locks := deps.Locks
	if locks == nil {
		locks = leaselock.New(leaselock.NewFileBackend())
	}

	res := BuildResult{JobID: job.JobID, Project: project, Version: -1}
	err := locks.WithLease(ctx, filepath.Join(root, lockFile), leaselock.Options{TTL: 2 * time.Minute}, func(ctx context.Context) error {
		src, err := corpus.Open(ctx, corpusPath, cfg.RoundLines, deps.Objects, deps.Config.S3.Bucket)
		if err != nil {
			return err
		}
		extractor, err := deps.extractor()
		if err != nil {
			return err
		}

		store := checkpoint.NewFS(root)
		store.Mirror = deps.Mirror
		policy := graph.ParseEdgePolicy(cfg.EdgePolicy)

		engine, err := build.New(build.Params{
			Extractor:    extractor,
			Source:       src,
			Checkpoints:  store,
			Policy:       policy,
			Threshold:    cfg.Threshold,
			MaxIteration: cfg.MaxIteration,
			RoundRetries: cfg.RoundRetries,
			RunID:        job.JobID,
		})
		if err != nil {
			return err
		}

		ref, err := resumeRef(ctx, store, root, job)
		if err != nil {
			return err
		}

		logger.Info("[Queue] build started", "job_id", job.JobID, "project", project, "resume", ref, "corpus", corpusPath, "lines", src.Len())
		if ref != "" {
			err = engine.Resume(ctx, ref)
		} else {
			err = engine.Seed(ctx)
		}
		if err == nil {
			err = engine.Run(ctx)
		}

		res.State = engine.State().String()
		res.Version = engine.Version()
		res.Dir = engine.LastCheckpoint()
		res.Ratios = engine.Ratios()
		if err != nil {
			return err
		}

		dataFile := deps.Config.Serve.GraphData
		if engine.State() == build.StateConverged && dataFile != "" {
			size, err := graph.ConvertFile(filepath.Join(res.Dir, checkpoint.LogFile), dataFile, engine.Graph().Policy())
			if err != nil {
				return fmt.Errorf("failed to publish graph data: %w", err)
			}
			res.DataFile = dataFile
			res.Size = size
			logger.Info("[Queue] graph data published", "path", dataFile, "nodes", size.Nodes, "links", size.Links, "sents", size.Sents)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("build job %s: %w", job.JobID, err)
	}
	return res, nil
}

// resumeRef resolves where job continues from. "latest" falls back to the
// object storage mirror when the project has no local version. A seed job
// whose own run already committed, because an earlier attempt failed,
// continues that run instead of seeding again.
func resumeRef(ctx context.Context, store *checkpoint.FS, root string, job BuildJob) (string, error) {
	switch job.Resume {
	case ResumeLatest:
		ref, err := store.Latest()
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return ref, err
		}
		restorer, ok := store.Mirror.(checkpoint.Restorer)
		if !ok {
			return "", nil
		}
		ref, err = restorer.RestoreLatest(ctx, root)
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to restore checkpoint from mirror: %w", err)
		}
		logger.Info("[Queue] restored checkpoint from mirror", "job_id", job.JobID, "dir", ref)
		return ref, nil
	case "":
		if job.JobID == "" {
			return "", nil
		}
		ref, err := store.Latest()
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		state, err := checkpoint.ReadState(ref)
		if err != nil || state.RunID != job.JobID {
			return "", nil
		}
		logger.Info("[Queue] continuing earlier attempt", "job_id", job.JobID, "version", state.Version)
		return ref, nil
	default:
		return job.Resume, nil
	}
}
