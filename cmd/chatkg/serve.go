package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/internal/server"
	mid "github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/internal/util"
	"github.com/OFFIS-RIT/chatkg/pkg/chat"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
	"github.com/OFFIS-RIT/chatkg/pkg/lookup"
	"github.com/OFFIS-RIT/chatkg/pkg/retrieve"

	"github.com/spf13/cobra"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var noChat bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve graph search and the grounded chat assistant over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			serve := cfg.Serve

			engine := retrieve.New(serve.GraphData)
			if serve.Watch {
				if err := os.MkdirAll(filepath.Dir(serve.GraphData), 0o755); err != nil {
					return fmt.Errorf("failed to create graph data dir: %w", err)
				}
				if err := engine.Watch(ctx); err != nil {
					return err
				}
			}
			if _, err := engine.Store(ctx); err != nil {
				// the server still starts; queries report the store as unavailable
				logger.Warn("[Server] graph data not loaded", "path", serve.GraphData, "err", err)
			}

			app := &mid.App{Retriever: engine, Config: serve}

			if !noChat {
				pipeline, err := newPipeline(cfg, engine)
				if err != nil {
					return err
				}
				app.Chat = pipeline
				go initPipeline(ctx, pipeline)
			}

			if serve.AuthURL != "" {
				key, err := server.NewJWKSKeyfunc(ctx, serve.AuthURL)
				if err != nil {
					return fmt.Errorf("failed to load jwks keys: %w", err)
				}
				app.Key = key
			}

			if conn, err := queue.Init(cfg.Queue); err != nil {
				logger.Warn("[Server] build queue unavailable", "err", err)
			} else {
				defer conn.Close()
				ch, err := conn.Channel()
				if err != nil {
					return fmt.Errorf("failed to open channel: %w", err)
				}
				defer ch.Close()
				if err := queue.SetupQueues(ch, queue.BuildQueue); err != nil {
					return err
				}
				app.Queue = ch
			}

			return server.Run(ctx, app, serve.Port)
		},
	}

	cmd.Flags().BoolVar(&noChat, "no-chat", false, "serve graph search only")
	return cmd
}

func newPipeline(cfg *config.Config, engine *retrieve.Engine) (*chat.Pipeline, error) {
	aiClient, err := newAIClient(cfg.AI)
	if err != nil {
		return nil, err
	}

	var searcher lookup.Searcher
	if cfg.Serve.WikiEnabled {
		searcher = lookup.NewWikiSearcher(lookup.WikiParams{BaseURL: cfg.Serve.WikiURL})
	}

	return chat.New(chat.Params{
		Client:     aiClient,
		Recognizer: chat.NewLLMRecognizer(aiClient, chat.DefaultEntityTypes, recognizerOptions(cfg.AI)...),
		Retriever:  engine,
		Lookup:     searcher,
		Depth:      cfg.Serve.SearchDepth,
		Options:    answerOptions(cfg.AI),
	}), nil
}

// initPipeline keeps retrying until the chat model is loaded. Until then
// chat requests are answered with the loading message.
func initPipeline(ctx context.Context, p *chat.Pipeline) {
	_, err := util.RetryWithBackoff(ctx, util.Backoff{
		MaxTries: 20,
		Initial:  time.Second,
		Max:      time.Minute,
	}, func(ctx context.Context) (struct{}, error) {
		err := p.Init(ctx)
		if err != nil {
			logger.Warn("[Chat] model not ready yet", "err", err)
		}
		return struct{}{}, err
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("[Chat] giving up on loading the chat model", "err", err)
	}
}
