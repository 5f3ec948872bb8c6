package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
)

// DefaultEntityTypes are the mention types looked for in user questions.
var DefaultEntityTypes = []string{"物体类", "人物类", "地点类", "组织机构类", "事件类", "世界地区类", "术语类"}

// Recognizer finds entity mentions in a question. Failures are absorbed:
// a recognizer that cannot answer returns no entities.
type Recognizer interface {
	Entities(ctx context.Context, text string) []string
}

type recognizedEntity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type recognizedEntities struct {
	Entities []recognizedEntity `json:"entities"`
}

// LLMRecognizer is a Recognizer backed by a structured completion model.
type LLMRecognizer struct {
	client ai.GraphAIClient
	types  []string
	opts   []ai.GenerateOption
}

// NewLLMRecognizer returns a recognizer for types, or DefaultEntityTypes
// when types is empty. It samples at temperature 0 unless opts override it.
func NewLLMRecognizer(client ai.GraphAIClient, types []string, opts ...ai.GenerateOption) *LLMRecognizer {
	if len(types) == 0 {
		types = DefaultEntityTypes
	}
	opts = append([]ai.GenerateOption{ai.WithTemperature(0)}, opts...)
	return &LLMRecognizer{client: client, types: types, opts: opts}
}

// Entities returns the distinct mentions that literally occur in text, in
// the order the model reported them.
func (r *LLMRecognizer) Entities(ctx context.Context, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" || r.client == nil {
		return nil
	}

	prompt := fmt.Sprintf(ai.EntityPrompt, strings.Join(r.types, ", "), text)
	var out recognizedEntities
	if err := r.client.GenerateCompletionWithFormat(
		ctx,
		"entity_recognition",
		"Named entities mentioned in the question",
		prompt,
		&out,
		r.opts...,
	); err != nil {
		logger.Warn("[Chat] entity recognition failed", "err", err)
		return nil
	}

	seen := make(map[string]struct{}, len(out.Entities))
	entities := make([]string, 0, len(out.Entities))
	for _, e := range out.Entities {
		mention := strings.TrimSpace(e.Text)
		if mention == "" || !strings.Contains(text, mention) {
			continue
		}
		if _, ok := seen[mention]; ok {
			continue
		}
		seen[mention] = struct{}{}
		entities = append(entities, mention)
	}
	logger.Debug("[Chat] entities recognized", "entities", entities)
	return entities
}
