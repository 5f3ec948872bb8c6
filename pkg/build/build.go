package build

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/checkpoint"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/extract"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
	"github.com/OFFIS-RIT/chatkg/pkg/triplelog"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// State is the lifecycle position of an Engine.
type State int

const (
	StateNew State = iota
	StateSeeding
	StateIterating
	StateConverged
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSeeding:
		return "seeding"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrInvalidState is returned when an operation is called in the wrong
	// lifecycle state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrRoundFailed is returned when every batch of a round failed.
	ErrRoundFailed = errors.New("round produced no extraction results")
)

// CandidateSource yields the lines for the round starting at cursor and the
// cursor after them. An empty batch means there is nothing left to read.
type CandidateSource interface {
	Next(ctx context.Context, cursor int) ([]string, int, error)
}

// Extractor turns lines into triple sets. *extract.Adapter satisfies it.
type Extractor interface {
	Extract(ctx context.Context, lines []string) ([]common.TripleSet, extract.Report, error)
}

// Checkpointer persists committed versions. *checkpoint.FS satisfies it.
type Checkpointer interface {
	Save(ctx context.Context, snap *checkpoint.Snapshot) (string, error)
}

// Params configures an Engine.
type Params struct {
	Extractor   Extractor
	Source      CandidateSource
	Checkpoints Checkpointer

	Policy graph.EdgePolicy
	// Threshold stops the build once a round's extend ratio falls below it.
	Threshold float64
	// MaxIteration stops the build once this version is committed.
	MaxIteration int
	// RoundRetries is how often a round whose batches all failed is retried
	// before the engine stops. Zero means no retry.
	RoundRetries int
	// RunID tags checkpoints written by this engine. Generated if empty.
	RunID string
}

// Engine drives one build lineage. It is not safe for concurrent use; one
// engine owns one project at a time.
type Engine struct {
	params Params

	state   State
	graph   *graph.Graph
	cursor  int
	records int
	rounds  []checkpoint.Round
	lastDir string
}

// New creates an engine in StateNew. Call Seed or Resume next.
func New(params Params) (*Engine, error) {
	if params.Extractor == nil || params.Source == nil || params.Checkpoints == nil {
		return nil, fmt.Errorf("build: extractor, source and checkpoints are required")
	}
	if params.RunID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate run id: %w", err)
		}
		params.RunID = id
	}
	return &Engine{params: params, state: StateNew}, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Version returns the last committed version, or -1 before seeding.
func (e *Engine) Version() int {
	if e.graph == nil {
		return -1
	}
	return e.graph.Version()
}

// Graph returns the last committed graph. The caller must not modify it.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Ratios returns the extend ratio of every committed round in order.
func (e *Engine) Ratios() []float64 {
	out := make([]float64, len(e.rounds))
	for i, r := range e.rounds {
		out[i] = r.Ratio
	}
	return out
}

// Rounds returns the committed round history.
func (e *Engine) Rounds() []checkpoint.Round {
	return append([]checkpoint.Round(nil), e.rounds...)
}

// Cursor returns the candidate source position after the last commit.
func (e *Engine) Cursor() int { return e.cursor }

// LastCheckpoint returns the directory of the last committed version.
func (e *Engine) LastCheckpoint() string { return e.lastDir }

func (e *Engine) stop(err error) error {
	e.state = StateStopped
	logger.Error("[Build] stopped", "version", e.Version(), "err", err)
	return err
}

// Seed extracts the first candidate batch into an empty graph and commits it
// as version 0.
func (e *Engine) Seed(ctx context.Context) error {
	if e.state != StateNew {
		return fmt.Errorf("%w: seed in %s", ErrInvalidState, e.state)
	}
	e.state = StateSeeding
	logger.Info("[Build] seeding", "run_id", e.params.RunID)

	lines, next, err := e.params.Source.Next(ctx, 0)
	if err != nil {
		return e.stop(fmt.Errorf("failed to read seed corpus: %w", err))
	}
	sets, report, err := e.params.Extractor.Extract(ctx, lines)
	if err != nil {
		return e.stop(fmt.Errorf("seed extraction failed: %w", err))
	}
	if report.Failed() {
		return e.stop(fmt.Errorf("seed: %w", ErrRoundFailed))
	}

	g := graph.New(e.params.Policy)
	stats := g.MergeAll(sets)
	g.SetVersion(0)

	round := checkpoint.Round{
		Version:     0,
		Lines:       len(lines),
		FailedLines: report.FailedLines,
		Triples:     stats.Triples,
	}
	if err := e.commit(ctx, g, next, sets, round, false); err != nil {
		return e.stop(err)
	}

	e.state = StateIterating
	size := g.Size()
	logger.Info("[Build] seeded", "nodes", size.Nodes, "links", size.Links, "sents", size.Sents, "lines", len(lines), "failed_lines", report.FailedLines)
	e.checkBudget()
	return nil
}

// Resume restores the engine from the checkpoint at ref and re-enters
// StateIterating at the next version. Resuming from the same ref twice
// yields the same next round.
func (e *Engine) Resume(ctx context.Context, ref string) error {
	if e.state != StateNew {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, e.state)
	}
	snap, err := checkpoint.Load(ref)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", ref, err)
	}

	policy := e.params.Policy
	if snap.State.EdgePolicy != "" {
		policy = graph.ParseEdgePolicy(snap.State.EdgePolicy)
		e.params.Policy = policy
	}
	g, err := graph.FromStore(snap.Store, policy)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", ref, err)
	}
	g.SetVersion(snap.State.Version)

	e.graph = g
	e.cursor = snap.State.Cursor
	e.records = snap.State.Records
	e.rounds = snap.State.Rounds
	e.lastDir = snap.Dir
	e.state = StateIterating

	logger.Info("[Build] resumed", "version", snap.State.Version, "cursor", e.cursor, "dir", snap.Dir, "run_id", e.params.RunID)
	e.checkBudget()
	return nil
}

func (e *Engine) checkBudget() {
	if e.state == StateIterating && e.graph.Version() >= e.params.MaxIteration {
		e.state = StateConverged
		logger.Info("[Build] iteration budget reached", "version", e.graph.Version(), "max", e.params.MaxIteration)
	}
}

// Step runs one round: read the next candidates, extract, merge into a clone
// of the current version, persist it as the next version and evaluate
// convergence. A round that fails does not change the committed version.
func (e *Engine) Step(ctx context.Context) error {
	if e.state != StateIterating {
		return fmt.Errorf("%w: step in %s", ErrInvalidState, e.state)
	}

	lines, next, err := e.params.Source.Next(ctx, e.cursor)
	if err != nil {
		return fmt.Errorf("failed to read candidates: %w", err)
	}
	if len(lines) == 0 {
		e.state = StateConverged
		logger.Info("[Build] candidates exhausted", "version", e.graph.Version())
		return nil
	}

	sets, report, err := e.params.Extractor.Extract(ctx, lines)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	if report.Failed() {
		return fmt.Errorf("%w (%d lines)", ErrRoundFailed, report.FailedLines)
	}

	before := e.graph.Size()
	g := e.graph.Clone()
	stats := g.MergeAll(sets)
	version := e.graph.Version() + 1
	g.SetVersion(version)
	ratio := graph.ExtendRatio(before, g.Size())

	round := checkpoint.Round{
		Version:     version,
		Ratio:       ratio,
		Lines:       len(lines),
		FailedLines: report.FailedLines,
		Triples:     stats.Triples,
	}
	if err := e.commit(ctx, g, next, sets, round, true); err != nil {
		return err
	}

	logger.Info("[Build] round committed",
		"version", version,
		"extend_ratio", fmt.Sprintf("%.4f", ratio),
		"new_nodes", stats.NewNodes,
		"new_links", stats.NewLinks,
		"failed_lines", report.FailedLines,
	)

	if ratio < e.params.Threshold {
		e.state = StateConverged
		logger.Info("[Build] extend ratio below threshold", "extend_ratio", fmt.Sprintf("%.4f", ratio), "threshold", e.params.Threshold)
		return nil
	}
	e.checkBudget()
	return nil
}

// commit persists g and only then makes it the current version.
func (e *Engine) commit(
	ctx context.Context,
	g *graph.Graph,
	cursor int,
	sets []common.TripleSet,
	round checkpoint.Round,
	counted bool,
) error {
	rounds := append([]checkpoint.Round(nil), e.rounds...)
	if counted {
		rounds = append(rounds, round)
	}

	snap := &checkpoint.Snapshot{
		State: checkpoint.State{
			Version:    round.Version,
			Cursor:     cursor,
			Records:    e.records + len(sets),
			Rounds:     rounds,
			EdgePolicy: e.params.Policy.String(),
			RunID:      e.params.RunID,
			CreatedAt:  time.Now().UTC(),
		},
		Store:   g.Store(),
		Records: triplelog.FromTripleSets(e.records, sets),
	}
	if counted {
		// the checkpoint resumed from may live outside the store being written
		snap.Previous = e.lastDir
	}
	dir, err := e.params.Checkpoints.Save(ctx, snap)
	if err != nil {
		return err
	}

	e.graph = g
	e.cursor = cursor
	e.records += len(sets)
	e.rounds = rounds
	e.lastDir = dir
	return nil
}

// Run steps until the build converges. Rounds whose batches all failed are
// retried up to RoundRetries times. Any other error stops the engine; the
// last committed version stays valid and resumable.
func (e *Engine) Run(ctx context.Context) error {
	failures := 0
	for e.state == StateIterating {
		err := e.Step(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, ErrRoundFailed) && failures < e.params.RoundRetries && ctx.Err() == nil {
			failures++
			logger.Warn("[Build] round failed, retrying", "version", e.graph.Version()+1, "attempt", failures, "err", err)
			continue
		}
		return e.stop(err)
	}
	if e.state == StateConverged {
		logger.Info("[Build] converged", "version", e.graph.Version(), "ratios", e.Ratios())
	}
	return nil
}
