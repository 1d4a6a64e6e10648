package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

type Config struct {
	TEIURL           string `envconfig:"TEI_URL"`
	QdrantURL        string `envconfig:"QDRANT_URL"`
	QdrantCollection string `envconfig:"QDRANT_COLLECTION" default:"firecrawl"`

	FirecrawlAPIURL string `envconfig:"FIRECRAWL_API_URL" default:"https://api.firecrawl.dev"`
	FirecrawlAPIKey string `envconfig:"FIRECRAWL_API_KEY"`

	// Queue
	QueueDir        string        `envconfig:"EMBED_QUEUE_DIR"`
	MaxRetries      int           `envconfig:"EMBED_MAX_RETRIES" default:"3"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	StaleThreshold  time.Duration `envconfig:"STALE_THRESHOLD" default:"5m"`
	StuckThreshold  time.Duration `envconfig:"STUCK_THRESHOLD" default:"10m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	CleanupMaxAge   time.Duration `envconfig:"CLEANUP_MAX_AGE" default:"24h"`

	// Embedding
	EmbedBatchSize      int `envconfig:"EMBED_BATCH_SIZE" default:"24"`
	EmbedConcurrency    int `envconfig:"EMBED_CONCURRENCY" default:"4"`
	PipelineConcurrency int `envconfig:"PIPELINE_CONCURRENCY" default:"10"`

	// Webhook listener
	WebhookURL    string `envconfig:"WEBHOOK_URL"`
	WebhookPort   int    `envconfig:"WEBHOOK_PORT" default:"53000"`
	WebhookPath   string `envconfig:"WEBHOOK_PATH" default:"/webhooks/crawl"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// Dead-letter archive
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// NSQ
	NSQLookupd       string `envconfig:"NSQ_LOOKUPD"`
	NSQDHost         string `envconfig:"NSQD_HOST"`
	NSQDHTTP         string `envconfig:"NSQD_HTTP"`
	NSQNotifyTopic   string `envconfig:"NSQ_NOTIFY_TOPIC" default:"embed.notify"`
	NSQDocumentTopic string `envconfig:"NSQ_DOCUMENT_TOPIC" default:"embed.document"`

	// Retrieval
	RerankProvider string `envconfig:"RERANK_PROVIDER"`
	RerankURL      string `envconfig:"RERANK_URL"`
	RerankAPIKey   string `envconfig:"RERANK_API_KEY"`
	RerankModel    string `envconfig:"RERANK_MODEL"`

	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	// Ignore errors, env vars might be set in the shell
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if cfg.QueueDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: EMBED_QUEUE_DIR (no home directory: %v)", ErrMissingRequired, err)
		}
		cfg.QueueDir = filepath.Join(home, ".firecrawl", "embed-queue")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.QueueDir == "" {
		return fmt.Errorf("%w: EMBED_QUEUE_DIR", ErrMissingRequired)
	}
	if c.QdrantCollection == "" {
		return fmt.Errorf("%w: QDRANT_COLLECTION", ErrMissingRequired)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: EMBED_MAX_RETRIES must be >= 1", ErrInvalid)
	}
	if c.EmbedBatchSize < 1 || c.EmbedConcurrency < 1 || c.PipelineConcurrency < 1 {
		return fmt.Errorf("%w: batch size and concurrency must be >= 1", ErrInvalid)
	}
	if c.WebhookPort < 0 || c.WebhookPort > 65535 {
		return fmt.Errorf("%w: WEBHOOK_PORT %d out of range", ErrInvalid, c.WebhookPort)
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("%w: WEBHOOK_PATH must start with /", ErrInvalid)
	}
	switch strings.ToLower(c.RerankProvider) {
	case "", "none":
	case "tei":
		if c.RerankURL == "" {
			return fmt.Errorf("%w: RERANK_URL (needed by RERANK_PROVIDER=tei)", ErrMissingRequired)
		}
	case "jina", "cohere":
		if c.RerankAPIKey == "" {
			return fmt.Errorf("%w: RERANK_API_KEY (needed by RERANK_PROVIDER=%s)", ErrMissingRequired, c.RerankProvider)
		}
	default:
		return fmt.Errorf("%w: RERANK_PROVIDER %q (want tei, jina or cohere)", ErrInvalid, c.RerankProvider)
	}
	if c.PollInterval <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL and CLEANUP_INTERVAL must be positive", ErrInvalid)
	}
	return nil
}

// EmbeddingConfigured reports whether both remote endpoints needed by the pipeline are set.
func (c *Config) EmbeddingConfigured() bool {
	return c.TEIURL != "" && c.QdrantURL != ""
}

// RerankConfigured reports whether search results should be reranked.
func (c *Config) RerankConfigured() bool {
	p := strings.ToLower(c.RerankProvider)
	return p != "" && p != "none"
}

// WebhookConfigured reports whether a public webhook target is advertised.
func (c *Config) WebhookConfigured() bool {
	return c.WebhookURL != ""
}
