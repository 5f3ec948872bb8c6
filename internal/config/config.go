package config

import (
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/chatkg/internal/util"
)

// AI selects and configures the model backend.
type AI struct {
	Adapter         string
	ChatModel       string
	ExtractionModel string
	URL             string
	Key             string
	Parallel        int64
	// Thinking is the reasoning effort requested for chat answers.
	Thinking string
}

// Build configures the construction loop.
type Build struct {
	DataDir      string
	Project      string
	Corpus       string
	MaxIteration int
	Threshold    float64
	RoundLines   int
	RoundRetries int
	EdgePolicy   string

	BatchSize    int
	Parallel     int
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// ProjectDir returns the checkpoint root of the configured project.
func (b Build) ProjectDir() string {
	return filepath.Join(b.DataDir, b.Project)
}

// Serve configures retrieval and the HTTP server.
type Serve struct {
	Port        string
	GraphData   string
	SearchDepth int
	Watch       bool
	APIKey      string
	AuthURL     string
	WikiURL     string
	WikiEnabled bool
}

// S3 configures the optional checkpoint mirror. Bucket empty disables it.
type S3 struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// Queue configures the AMQP connection of the build worker.
type Queue struct {
	User     string
	Password string
	Host     string
	Port     string
}

type Config struct {
	Debug   bool
	JSONLog bool
	AI      AI
	Build   Build
	Serve   Serve
	S3      S3
	Queue   Queue
}

// Load reads the configuration from the environment. Call util.LoadEnv
// first to pick up a .env file.
func Load() Config {
	return Config{
		Debug:   util.GetEnvBool("DEBUG", false),
		JSONLog: util.GetEnvBool("LOG_JSON", false),
		AI: AI{
			Adapter:         util.GetEnvString("AI_ADAPTER", "openai"),
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			URL:             util.GetEnv("AI_CHAT_URL"),
			Key:             util.GetEnv("AI_CHAT_KEY"),
			Parallel:        int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
			Thinking:        util.GetEnv("AI_THINKING"),
		},
		Build: Build{
			DataDir:      util.GetEnvString("DATA_DIR", "data"),
			Project:      util.GetEnvString("PROJECT", "project_v1"),
			Corpus:       util.GetEnvString("CORPUS", "data/corpus.txt"),
			MaxIteration: util.GetEnvInt("MAX_ITERATION", 5),
			Threshold:    util.GetEnvNumeric("EXTEND_RATIO_THRESHOLD", 0.1),
			RoundLines:   util.GetEnvInt("ROUND_LINES", 200),
			RoundRetries: util.GetEnvInt("ROUND_RETRIES", 2),
			EdgePolicy:   util.GetEnvString("EDGE_POLICY", "accumulate"),
			BatchSize:    util.GetEnvInt("EXTRACT_BATCH_SIZE", 2),
			Parallel:     util.GetEnvInt("EXTRACT_PARALLEL", 4),
			MaxRetries:   util.GetEnvInt("EXTRACT_MAX_RETRIES", 3),
			RetryInitial: util.GetEnvDuration("EXTRACT_RETRY_INITIAL", 500*time.Millisecond),
			RetryMax:     util.GetEnvDuration("EXTRACT_RETRY_MAX", 10*time.Second),
		},
		Serve: Serve{
			Port:        util.GetEnvString("PORT", "8080"),
			GraphData:   util.GetEnvString("GRAPH_DATA_PATH", filepath.Join("server", "data", "data.json")),
			SearchDepth: util.GetEnvInt("SEARCH_DEPTH", 1),
			Watch:       util.GetEnvBool("GRAPH_DATA_WATCH", true),
			APIKey:      util.GetEnv("API_KEY"),
			AuthURL:     util.GetEnv("AUTH_URL"),
			WikiURL:     util.GetEnvString("WIKI_URL", "https://zh.wikipedia.org"),
			WikiEnabled: util.GetEnvBool("WIKI_ENABLED", true),
		},
		S3: S3{
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Bucket:    util.GetEnv("AWS_BUCKET"),
			Prefix:    util.GetEnvString("CHECKPOINT_S3_PREFIX", "chatkg"),
		},
		Queue: Queue{
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnvString("RABBITMQ_HOST", "localhost"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},
	}
}
