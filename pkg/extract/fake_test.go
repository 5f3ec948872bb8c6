package extract

import (
	"context"
	"sync/atomic"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
)

type fakeClient struct {
	loadErr    error
	response   string
	lastPrompt string
	lastOpts   ai.GenerateOptions
	loads      atomic.Int32
}

func (f *fakeClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.lastPrompt = prompt
	return f.response, nil
}

func (f *fakeClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.lastPrompt = prompt
	f.lastOpts = ai.GenerateOptions{Temperature: 1}
	for _, opt := range opts {
		opt(&f.lastOpts)
	}
	return ai.UnmarshalFlexible(f.response, out)
}

func (f *fakeClient) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return f.response, nil
}

func (f *fakeClient) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent, 1)
	ch <- ai.StreamEvent{Type: "content", Content: f.response}
	close(ch)
	return ch, nil
}

func (f *fakeClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	f.loads.Add(1)
	return f.loadErr
}

func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }
