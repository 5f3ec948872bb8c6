package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
	"github.com/OFFIS-RIT/chatkg/pkg/lookup"
	"github.com/OFFIS-RIT/chatkg/pkg/retrieve"
)

// LoadingMessage is the reply while the chat model is not ready.
const LoadingMessage = "模型加载中，请稍后再试"

// Turn is one exchange of a conversation.
type Turn struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Update is one partial or final answer together with the context it was
// grounded on.
type Update struct {
	History []Turn           `json:"history"`
	Updates Turn             `json:"updates"`
	Graph   *common.Subgraph `json:"graph"`
	Wiki    lookup.Result    `json:"wiki"`
}

// Retriever grows a subgraph around seed mentions. *retrieve.Engine
// satisfies it.
type Retriever interface {
	Expand(ctx context.Context, c *retrieve.Collector, seeds []string, depth int) error
}

// Params configures a Pipeline. Lookup may be nil.
type Params struct {
	Client     ai.GraphAIClient
	Recognizer Recognizer
	Retriever  Retriever
	Lookup     lookup.Searcher
	Depth      int
	Options    []ai.GenerateOption
}

// Pipeline answers questions with context from the knowledge graph and an
// optional encyclopedia. It is safe for concurrent use once constructed.
type Pipeline struct {
	params Params

	// initMu serialises Init. Chat and Stream never wait on it.
	initMu  sync.Mutex
	ready   atomic.Bool
	mu      sync.RWMutex
	initial []Turn
}

func New(params Params) *Pipeline {
	if params.Depth < 1 {
		params.Depth = retrieve.DefaultDepth
	}
	return &Pipeline{params: params}
}

// Init loads the chat model and sends the persona prompt. The resulting
// exchange becomes the default history for conversations that start
// without one. Init succeeds at most once; a failed Init may be retried.
func (p *Pipeline) Init(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.ready.Load() {
		return nil
	}
	if p.params.Client == nil {
		return fmt.Errorf("chat: no model client configured")
	}

	if err := p.params.Client.LoadModel(ctx, p.params.Options...); err != nil {
		return fmt.Errorf("failed to load chat model: %w", err)
	}
	reply, err := p.params.Client.GenerateChat(ctx, []ai.ChatMessage{
		{Role: "user", Message: ai.PersonaPrompt},
	}, p.params.Options...)
	if err != nil {
		return fmt.Errorf("failed to send persona prompt: %w", err)
	}

	p.mu.Lock()
	p.initial = []Turn{{Query: ai.PersonaPrompt, Response: reply}}
	p.mu.Unlock()
	p.ready.Store(true)
	logger.Info("[Chat] model ready")
	return nil
}

// Ready reports whether Init has completed.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

func (p *Pipeline) defaultHistory(history []Turn) []Turn {
	if len(history) > 0 {
		return history
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.initial)
}

// CleanHistory strips injected reference material from stored user turns
// so that only the original questions are sent back to the model.
func CleanHistory(history []Turn) []Turn {
	out := make([]Turn, 0, len(history))
	for _, t := range history {
		if _, after, ok := strings.Cut(t.Query, ai.ReferenceQuestionLead); ok && strings.Contains(t.Query, ai.ReferenceMarker) {
			t.Query = after
		} else if before, _, ok := strings.Cut(t.Query, ai.ReferenceMarker); ok {
			t.Query = before
		}
		out = append(out, t)
	}
	return out
}

// grounding is the context gathered for one question.
type grounding struct {
	reference string
	graph     *common.Subgraph
	wiki      lookup.Result
}

func (p *Pipeline) ground(ctx context.Context, prompt string) grounding {
	var entities []string
	if p.params.Recognizer != nil {
		entities = p.params.Recognizer.Entities(ctx, prompt)
	}

	g := grounding{graph: common.NewSubgraph(), wiki: lookup.Placeholder}
	var ref strings.Builder

	if p.params.Retriever != nil && len(entities) > 0 {
		collector := retrieve.NewCollector()
		var triples [][3]string
		seen := make(map[[3]string]struct{})
		for _, entity := range entities {
			if err := p.params.Retriever.Expand(ctx, collector, []string{entity}, p.params.Depth); err != nil {
				logger.Warn("[Chat] graph lookup failed", "entity", entity, "err", err)
				collector, triples = retrieve.NewCollector(), nil
				break
			}
			for _, t := range collector.Subgraph().Triples(entity) {
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				triples = append(triples, t)
			}
		}
		g.graph = collector.Subgraph()
		if len(triples) > 0 {
			ref.WriteString("三元组信息：")
			for _, t := range triples {
				fmt.Fprintf(&ref, "(%s %s %s)；", t[0], t[1], t[2])
			}
			ref.WriteString("；")
		}
		logger.Debug("[Chat] graph context", "entities", entities, "triples", len(triples))
	}

	if p.params.Lookup != nil {
		for _, q := range append(slices.Clone(entities), prompt) {
			if res, ok := p.params.Lookup.Search(ctx, q); ok {
				g.wiki = res
				ref.WriteString(res.Summary)
				break
			}
		}
	}

	g.reference = ref.String()
	return g
}

func chatInput(prompt, reference string) string {
	if reference == "" {
		return prompt
	}
	return fmt.Sprintf(ai.ReferencePrompt, reference, prompt)
}

func messages(history []Turn, input string) []ai.ChatMessage {
	msgs := make([]ai.ChatMessage, 0, 2*len(history)+1)
	for _, t := range history {
		msgs = append(msgs,
			ai.ChatMessage{Role: "user", Message: t.Query},
			ai.ChatMessage{Role: "assistant", Message: t.Response},
		)
	}
	return append(msgs, ai.ChatMessage{Role: "user", Message: input})
}

func update(history []Turn, g grounding, turn Turn) Update {
	return Update{
		History: append(slices.Clip(history), turn),
		Updates: turn,
		Graph:   g.graph,
		Wiki:    g.wiki,
	}
}

// Chat answers prompt in one piece. When the model is not ready the reply
// is LoadingMessage.
func (p *Pipeline) Chat(ctx context.Context, prompt string, history []Turn) (Update, error) {
	history = CleanHistory(p.defaultHistory(history))
	g := p.ground(ctx, prompt)

	if !p.Ready() {
		logger.Warn("[Chat] model not ready")
		return update(history, g, Turn{Query: prompt, Response: LoadingMessage}), nil
	}

	reply, err := p.params.Client.GenerateChat(ctx, messages(history, chatInput(prompt, g.reference)), p.params.Options...)
	if err != nil {
		return Update{}, fmt.Errorf("failed to generate answer: %w", err)
	}
	return update(history, g, Turn{Query: prompt, Response: reply}), nil
}

// Stream answers prompt incrementally. Every update carries the full
// response so far. The channel is closed after the final token, or early
// when ctx is done. When the model is not ready a single update with
// LoadingMessage is sent.
func (p *Pipeline) Stream(ctx context.Context, prompt string, history []Turn) (<-chan Update, error) {
	history = CleanHistory(p.defaultHistory(history))
	g := p.ground(ctx, prompt)

	if !p.Ready() {
		logger.Warn("[Chat] model not ready")
		out := make(chan Update, 1)
		out <- update(history, g, Turn{Query: prompt, Response: LoadingMessage})
		close(out)
		return out, nil
	}

	events, err := p.params.Client.GenerateChatStream(ctx, messages(history, chatInput(prompt, g.reference)), p.params.Options...)
	if err != nil {
		return nil, fmt.Errorf("failed to start answer stream: %w", err)
	}

	out := make(chan Update, 10)
	go func() {
		defer close(out)
		var response strings.Builder
		for ev := range events {
			if ev.Type == "error" {
				logger.Error("[Chat] answer stream ended early", "err", ev.Err, "received", response.Len())
				continue
			}
			if ev.Type != "content" || ev.Content == "" {
				continue
			}
			response.WriteString(ev.Content)
			select {
			case out <- update(history, g, Turn{Query: prompt, Response: response.String()}):
			case <-ctx.Done():
				// drain so the producer can finish
				for range events {
				}
				return
			}
		}
	}()
	return out, nil
}
