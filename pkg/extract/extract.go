package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/chatkg/internal/util"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// ErrExtractionUnavailable means the oracle cannot be reached or initialised.
// It is fatal for the current round.
var ErrExtractionUnavailable = errors.New("extraction oracle unavailable")

// ExtractionError reports a batch whose oracle call failed or returned a
// malformed result. The batch is discarded.
type ExtractionError struct {
	Batch int // index of the batch within the call
	Start int // index of the first line of the batch
	Lines int // number of lines in the batch
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction batch %d (lines %d-%d): %v", e.Batch, e.Start, e.Start+e.Lines-1, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Schema maps an entity type to the relations of interest for it.
type Schema map[string][]string

// Types returns the entity types in sorted order.
func (s Schema) Types() []string {
	types := make([]string, 0, len(s))
	for t := range s {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// String renders the schema one entity type per line, sorted, as
// "type: rel1, rel2".
func (s Schema) String() string {
	var sb strings.Builder
	for _, t := range s.Types() {
		sb.WriteString(t)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(s[t], ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// DefaultSchema covers people, their organisations and places.
var DefaultSchema = Schema{
	"人物":   {"工作单位", "研究方向", "毕业院校", "出生地"},
	"工作单位": {"地点"},
	"组织机构": {"地点", "创始人"},
	"事件":   {"时间", "地点"},
}

// Span is one extracted piece of text with the relations that start at it.
type Span struct {
	Text      string            `json:"text"`
	Relations map[string][]Span `json:"relations,omitempty"`
}

// Prediction is the oracle output for one line, keyed by entity type.
type Prediction map[string][]Span

// Oracle turns a batch of lines into one Prediction per line.
type Oracle interface {
	Predict(ctx context.Context, batch []string, schema Schema) ([]Prediction, error)
}

// Report summarises a call to Extract.
type Report struct {
	Lines         int
	Batches       int
	FailedBatches int
	FailedLines   int
	Triples       int
	Errors        []error
}

// Failed reports whether no batch succeeded although there was input.
func (r Report) Failed() bool {
	return r.Batches > 0 && r.FailedBatches == r.Batches
}

// Flatten turns a nested prediction into triples for sentence. Pairs with an
// empty endpoint are dropped. Entity types and relations are walked in sorted
// order so the result is deterministic.
func Flatten(sentence string, p Prediction) []common.Triple {
	types := make([]string, 0, len(p))
	for t := range p {
		types = append(types, t)
	}
	sort.Strings(types)

	var triples []common.Triple
	for _, t := range types {
		for _, subject := range p[t] {
			rels := make([]string, 0, len(subject.Relations))
			for r := range subject.Relations {
				rels = append(rels, r)
			}
			sort.Strings(rels)

			for _, rel := range rels {
				for _, object := range subject.Relations[rel] {
					s := strings.TrimSpace(subject.Text)
					o := strings.TrimSpace(object.Text)
					if s == "" || o == "" {
						continue
					}
					triples = append(triples, common.Triple{
						Subject:  s,
						Relation: rel,
						Object:   o,
						Sentence: sentence,
					})
				}
			}
		}
	}
	return triples
}

// Params configures an Adapter.
type Params struct {
	Oracle Oracle
	Schema Schema
	// BatchSize is the number of lines per oracle call. Defaults to 2.
	BatchSize int
	// Parallel bounds concurrent oracle calls. Defaults to 1.
	Parallel int
	// Backoff controls per-batch retries.
	Backoff util.Backoff
}

// Adapter batches lines through an Oracle and flattens the output.
type Adapter struct {
	oracle    Oracle
	schema    Schema
	batchSize int
	parallel  int
	backoff   util.Backoff
}

// NewAdapter creates an Adapter with defaults filled in.
func NewAdapter(p Params) *Adapter {
	a := &Adapter{
		oracle:    p.Oracle,
		schema:    p.Schema,
		batchSize: p.BatchSize,
		parallel:  p.Parallel,
		backoff:   p.Backoff,
	}
	if a.schema == nil {
		a.schema = DefaultSchema
	}
	if a.batchSize <= 0 {
		a.batchSize = 2
	}
	if a.parallel <= 0 {
		a.parallel = 1
	}
	if a.backoff.MaxTries <= 0 {
		a.backoff.MaxTries = 1
	}
	return a
}

// ExtractText extracts a single line.
func (a *Adapter) ExtractText(ctx context.Context, text string) ([]common.TripleSet, Report, error) {
	return a.Extract(ctx, []string{text})
}

type batchResult struct {
	sets []common.TripleSet
	err  error
}

// Extract runs lines through the oracle in fixed-size batches and returns one
// TripleSet per line of every successful batch, in input order. Lines are
// trimmed; a line without matches yields a TripleSet with no triples.
//
// A failed batch is discarded and counted in the Report. The returned error
// is non-nil only if the oracle is unavailable or ctx is done, in which case
// the whole call must be treated as failed.
func (a *Adapter) Extract(ctx context.Context, lines []string) ([]common.TripleSet, Report, error) {
	report := Report{Lines: len(lines)}
	if len(lines) == 0 {
		return nil, report, nil
	}

	trimmed := make([]string, len(lines))
	for i, l := range lines {
		trimmed[i] = strings.TrimSpace(l)
	}

	var batches [][]string
	for start := 0; start < len(trimmed); start += a.batchSize {
		end := min(start+a.batchSize, len(trimmed))
		batches = append(batches, trimmed[start:end])
	}
	report.Batches = len(batches)

	results := make([]batchResult, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)

	for i, batch := range batches {
		g.Go(func() error {
			sets, err := a.runBatch(gctx, batch)
			if err != nil {
				if errors.Is(err, ErrExtractionUnavailable) {
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i].err = &ExtractionError{
					Batch: i,
					Start: i * a.batchSize,
					Lines: len(batch),
					Err:   err,
				}
				return nil
			}
			results[i].sets = sets
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, report, err
	}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	var out []common.TripleSet
	for i, res := range results {
		if res.err != nil {
			report.FailedBatches++
			report.FailedLines += len(batches[i])
			report.Errors = append(report.Errors, res.err)
			logger.Warn("[Extract] batch discarded", "batch", i, "lines", len(batches[i]), "err", res.err)
			continue
		}
		for _, set := range res.sets {
			report.Triples += len(set.Triples)
		}
		out = append(out, res.sets...)
	}

	return out, report, nil
}

func (a *Adapter) runBatch(ctx context.Context, batch []string) ([]common.TripleSet, error) {
	return util.RetryWithBackoff(ctx, a.backoff, func(ctx context.Context) ([]common.TripleSet, error) {
		predictions, err := a.oracle.Predict(ctx, batch, a.schema)
		if err != nil {
			if errors.Is(err, ErrExtractionUnavailable) {
				return nil, util.Permanent(err)
			}
			return nil, err
		}
		if len(predictions) != len(batch) {
			return nil, fmt.Errorf("oracle returned %d predictions for %d lines", len(predictions), len(batch))
		}

		sets := make([]common.TripleSet, len(batch))
		for i, line := range batch {
			sets[i] = common.TripleSet{
				Sentence: line,
				Triples:  Flatten(line, predictions[i]),
			}
		}
		return sets, nil
	})
}
