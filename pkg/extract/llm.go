package extract

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
)

type llmRelation struct {
	Name    string   `json:"name"`
	Objects []string `json:"objects"`
}

type llmEntity struct {
	Type      string        `json:"type"`
	Text      string        `json:"text"`
	Relations []llmRelation `json:"relations"`
}

type llmResult struct {
	Index    int         `json:"index"`
	Entities []llmEntity `json:"entities"`
}

type llmOutput struct {
	Results []llmResult `json:"results"`
}

// LLMOracle is an Oracle backed by a structured completion model.
type LLMOracle struct {
	client ai.GraphAIClient
	opts   []ai.GenerateOption

	loadOnce sync.Once
	loadErr  error
}

// NewLLMOracle wraps client. Requests are sampled at temperature 0 unless
// opts say otherwise; opts are passed to every completion request.
func NewLLMOracle(client ai.GraphAIClient, opts ...ai.GenerateOption) *LLMOracle {
	return &LLMOracle{client: client, opts: append([]ai.GenerateOption{ai.WithTemperature(0)}, opts...)}
}

func (o *LLMOracle) load(ctx context.Context) error {
	o.loadOnce.Do(func() {
		if o.client == nil {
			o.loadErr = fmt.Errorf("%w: no model client configured", ErrExtractionUnavailable)
			return
		}
		if err := o.client.LoadModel(ctx, o.opts...); err != nil {
			o.loadErr = fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
		}
	})
	return o.loadErr
}

// Predict asks the model for the entities and relations of every line in
// batch. Entity types and relations outside schema are dropped.
func (o *LLMOracle) Predict(ctx context.Context, batch []string, schema Schema) ([]Prediction, error) {
	if err := o.load(ctx); err != nil {
		return nil, err
	}

	var numbered strings.Builder
	for i, line := range batch {
		fmt.Fprintf(&numbered, "[%d] %s\n", i, line)
	}
	prompt := fmt.Sprintf(ai.ExtractPrompt, schema.String(), numbered.String())

	var out llmOutput
	if err := o.client.GenerateCompletionWithFormat(
		ctx,
		"triple_extraction",
		"Entities and relations per input sentence",
		prompt,
		&out,
		o.opts...,
	); err != nil {
		return nil, err
	}

	return toPredictions(out, len(batch), schema), nil
}

func toPredictions(out llmOutput, n int, schema Schema) []Prediction {
	predictions := make([]Prediction, n)
	for i := range predictions {
		predictions[i] = Prediction{}
	}

	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= n {
			continue
		}
		p := predictions[res.Index]
		for _, ent := range res.Entities {
			allowed, ok := schema[ent.Type]
			if !ok {
				continue
			}
			span := Span{Text: ent.Text, Relations: map[string][]Span{}}
			for _, rel := range ent.Relations {
				if !slices.Contains(allowed, rel.Name) {
					continue
				}
				for _, obj := range rel.Objects {
					span.Relations[rel.Name] = append(span.Relations[rel.Name], Span{Text: obj})
				}
			}
			p[ent.Type] = append(p[ent.Type], span)
		}
	}
	return predictions
}
