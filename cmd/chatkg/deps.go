package main

import (
	"context"
	"fmt"
	"path"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/internal/storage"
	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	oai "github.com/OFFIS-RIT/chatkg/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/chatkg/pkg/ai/openai"
	"github.com/OFFIS-RIT/chatkg/pkg/checkpoint"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
)

// newAIClient returns the model client selected by AI_ADAPTER.
func newAIClient(cfg config.AI) (ai.GraphAIClient, error) {
	switch cfg.Adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ChatModel:       cfg.ChatModel,
			ExtractionModel: cfg.ExtractionModel,

			BaseURL: cfg.URL,
			ApiKey:  cfg.Key,

			MaxConcurrentRequests: cfg.Parallel,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create Ollama client: %w", err)
		}
		return client, nil
	default:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ChatModel:       cfg.ChatModel,
			ExtractionModel: cfg.ExtractionModel,

			BaseURL: cfg.URL,
			APIKey:  cfg.Key,
		}), nil
	}
}

// recognizerOptions runs entity recognition on the chat model, which the
// structured completion would otherwise route to the extraction model.
func recognizerOptions(cfg config.AI) []ai.GenerateOption {
	if cfg.ChatModel == "" {
		return nil
	}
	return []ai.GenerateOption{ai.WithModel(cfg.ChatModel)}
}

// answerOptions configures the chat answers.
func answerOptions(cfg config.AI) []ai.GenerateOption {
	if cfg.Thinking == "" {
		return nil
	}
	return []ai.GenerateOption{ai.WithThinking(cfg.Thinking)}
}

// buildDeps wires the object storage of a build job for project: the
// checkpoint mirror and the source of s3:// corpora. Without a configured
// bucket both stay unset.
func buildDeps(ctx context.Context, cfg *config.Config, aiClient ai.GraphAIClient, project string) (queue.Deps, error) {
	deps := queue.Deps{Config: *cfg, AI: aiClient}
	s3cfg := cfg.S3
	if s3cfg.Bucket == "" {
		return deps, nil
	}
	bucket, err := storage.NewS3Client(ctx, storage.S3Params{
		Region:    s3cfg.Region,
		Endpoint:  s3cfg.Endpoint,
		AccessKey: s3cfg.AccessKey,
		SecretKey: s3cfg.SecretKey,
		Bucket:    s3cfg.Bucket,
	})
	if err != nil {
		return deps, err
	}
	prefix := path.Join(s3cfg.Prefix, project)
	logger.Info("[Checkpoint] mirroring to S3", "bucket", s3cfg.Bucket, "prefix", prefix)
	deps.Mirror = &checkpoint.S3Mirror{Store: bucket, Prefix: prefix}
	deps.Objects = bucket
	return deps, nil
}
