package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	// headroom reserved for the reply when sizing the context window
	replyTokens = 200
	// Ollama's default context window
	defaultContext = 4096
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// tiktokenCount counts tokens with the o200k_base encoding. The encoding is
// loaded once per process.
func tiktokenCount(text string) (int, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("o200k_base")
	})
	if encErr != nil {
		return 0, encErr
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// contextSize estimates the context window a request needs. It returns 0
// when the server default is large enough.
func (c *GraphOllamaClient) contextSize(texts ...string) (int, error) {
	tokens := replyTokens
	for _, t := range texts {
		n, err := c.countTokens(t)
		if err != nil {
			return 0, err
		}
		tokens += n
	}
	if tokens > defaultContext {
		return tokens, nil
	}
	return 0, nil
}

func buildMessages(system []string, messages []ai.ChatMessage) ([]api.Message, []string) {
	msgs := make([]api.Message, 0, len(system)+len(messages))
	texts := make([]string, 0, len(system)+len(messages))
	for _, sys := range system {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
		texts = append(texts, sys)
	}
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Message})
		texts = append(texts, m.Message)
	}
	return msgs, texts
}

func (c *GraphOllamaClient) newRequest(
	options ai.GenerateOptions,
	messages []ai.ChatMessage,
	stream bool,
) *api.ChatRequest {
	msgs, texts := buildMessages(options.SystemPrompts, messages)
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}

	numCtx, err := c.contextSize(texts...)
	if err != nil {
		logger.Warn("[Ollama] token count unavailable, using server context size", "err", err)
	} else if numCtx > 0 {
		req.Options["num_ctx"] = numCtx
	}
	return req
}

// chat runs a non-streaming request under the concurrency limit and returns
// the concatenated reply.
func (c *GraphOllamaClient) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	var content strings.Builder
	var metrics api.Metrics
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		content.WriteString(cr.Message.Content)
		if cr.Done {
			metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}
	c.record(metrics)

	return content.String(), nil
}

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.3,
	}
	for _, o := range opts {
		o(&options)
	}

	req := c.newRequest(options, []ai.ChatMessage{{Role: "user", Message: prompt}}, false)
	return c.chat(ctx, req)
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	if out == nil {
		return errors.New("out must be a non-nil pointer")
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.1,
	}
	for _, o := range opts {
		o(&options)
	}

	req := c.newRequest(options, []ai.ChatMessage{{Role: "user", Message: prompt}}, false)
	req.Format = json.RawMessage(formatBytes)

	content, err := c.chat(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return ai.UnmarshalFlexible(content, out)
}

// GenerateChat sends a multi-turn conversation and returns assistant text.
func (c *GraphOllamaClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.2,
	}
	for _, o := range opts {
		o(&options)
	}

	req := c.newRequest(options, messages, false)
	return c.chat(ctx, req)
}

// GenerateChatStream streams the assistant reply incrementally. The slot in
// the concurrency limit is held until the stream ends.
func (c *GraphOllamaClient) GenerateChatStream(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (<-chan ai.StreamEvent, error) {
	options := ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.2,
	}
	for _, o := range opts {
		o(&options)
	}

	req := c.newRequest(options, messages, true)
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	out := make(chan ai.StreamEvent, 16)

	go func() {
		defer close(out)
		defer c.reqLock.Release(1)

		err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
			if s := cr.Message.Thinking; s != "" {
				select {
				case out <- ai.StreamEvent{Type: "step", Step: "thinking", Reasoning: s}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if s := cr.Message.Content; s != "" {
				select {
				case out <- ai.StreamEvent{Type: "content", Content: s}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if cr.Done {
				c.record(cr.Metrics)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("[Ollama] chat stream failed", "err", err)
			select {
			case out <- ai.StreamEvent{Type: "error", Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// LoadModel preloads a model into memory to reduce latency on subsequent requests.
func (c *GraphOllamaClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	options := ai.GenerateOptions{
		Model: c.chatModel,
	}
	for _, o := range opts {
		o(&options)
	}

	req := &api.ChatRequest{
		Model: options.Model,
	}

	return c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		return nil
	})
}
