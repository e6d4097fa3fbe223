// Package config loads service configuration from a file and INGESTOR_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rag-ingestor/internal/chunker"
	"github.com/JakeFAU/rag-ingestor/internal/discovery"
	"github.com/JakeFAU/rag-ingestor/internal/executor"
	colly "github.com/JakeFAU/rag-ingestor/internal/fetcher/colly"
	"github.com/JakeFAU/rag-ingestor/internal/fetcher/headless"
	"github.com/JakeFAU/rag-ingestor/internal/logging"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
	"github.com/JakeFAU/rag-ingestor/internal/policy/ratelimit"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
	"github.com/JakeFAU/rag-ingestor/internal/reindex/httpbackend"
	"github.com/JakeFAU/rag-ingestor/internal/sanitizer"
	"github.com/JakeFAU/rag-ingestor/internal/storage/postgres"
	"github.com/JakeFAU/rag-ingestor/internal/telemetry"
	"github.com/JakeFAU/rag-ingestor/internal/writer"
)

// EnvPrefix prefixes every environment override, e.g. INGESTOR_SERVER_PORT.
const EnvPrefix = "INGESTOR"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Reindex backends.
const (
	ReindexMemory = "memory"
	ReindexHTTP   = "http"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	Auth       AuthConfig          `mapstructure:"auth"`
	Logging    logging.Config      `mapstructure:"logging"`
	Fetch      colly.Config        `mapstructure:"fetch"`
	Executors  ExecutorsConfig     `mapstructure:"executors"`
	Discovery  discovery.Config    `mapstructure:"discovery"`
	Crawl      orchestrator.Config `mapstructure:"crawl"`
	Politeness ratelimit.Config    `mapstructure:"politeness"`
	Sanitizer  sanitizer.Options   `mapstructure:"sanitizer"`
	Chunker    ChunkerConfig       `mapstructure:"chunker"`
	Storage    StorageConfig       `mapstructure:"storage"`
	Writer     writer.Config       `mapstructure:"writer"`
	Reindex    ReindexConfig       `mapstructure:"reindex"`
	Headless   HeadlessConfig      `mapstructure:"headless"`
	DB         postgres.Config     `mapstructure:"db"`
	PubSub     PubSubConfig        `mapstructure:"pubsub"`
	Jobs       JobsConfig          `mapstructure:"jobs"`
	Telemetry  telemetry.Config    `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxUploadBytes caps a multipart upload request.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// AuthConfig toggles X-API-Key authentication.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ExecutorsConfig tunes the two rate-limited executors.
type ExecutorsConfig struct {
	Fetch   executor.Config `mapstructure:"fetch"`
	Backend executor.Config `mapstructure:"backend"`
}

// ChunkerConfig tunes chunk sizing and the validity filter.
type ChunkerConfig struct {
	PrimarySize            int     `mapstructure:"primary_size"`
	OverlapFraction        float64 `mapstructure:"overlap_fraction"`
	HeadingOverlapFraction float64 `mapstructure:"heading_overlap_fraction"`
	ContextParagraphs      int     `mapstructure:"context_paragraphs"`
	ContextChars           int     `mapstructure:"context_chars"`
	MinChunkLength         int     `mapstructure:"min_chunk_length"`
	MinAlphaTokenRatio     float64 `mapstructure:"min_alpha_token_ratio"`
	ShortDocThreshold      int     `mapstructure:"short_doc_threshold"`
}

// Options converts the settings into chunker options.
func (c ChunkerConfig) Options() []chunker.Option {
	return []chunker.Option{
		chunker.WithPrimarySize(c.PrimarySize),
		chunker.WithOverlap(c.OverlapFraction, c.HeadingOverlapFraction),
		chunker.WithContext(c.ContextParagraphs, c.ContextChars),
		chunker.WithValidity(c.MinChunkLength, c.MinAlphaTokenRatio, c.ShortDocThreshold),
	}
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	// ProjectID is used by the GCS client when set.
	ProjectID string `mapstructure:"project_id"`
}

// ReindexConfig selects the reindex backend and its polling cadence.
type ReindexConfig struct {
	Backend string             `mapstructure:"backend"`
	HTTP    httpbackend.Config `mapstructure:"http"`
	Poll    reindex.Config     `mapstructure:"poll"`
	// SimulatedRun is how long a memory-backend job stays in progress.
	SimulatedRun time.Duration `mapstructure:"simulated_run"`
}

// HeadlessConfig controls promotion to the chromedp renderer.
type HeadlessConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Browser headless.Config `mapstructure:"browser"`
	// Budget caps rendered re-fetches per job.
	Budget             int `mapstructure:"budget"`
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// PubSubConfig enables crawl notifications when ProjectID and Topic are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether notifications should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// JobsConfig controls async job retention.
type JobsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// Load builds a Config from disk and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Executors.Fetch.Name = "fetch"
	cfg.Executors.Backend.Name = "backend"
	cfg.Crawl.Topic = cfg.PubSub.Topic

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	const userAgent = "rag-ingestor/1.0 (+https://github.com/JakeFAU/rag-ingestor)"

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("fetch.user_agent", userAgent)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)

	setExecutorDefaults(v, "executors.fetch", executor.Config{
		MaxConcurrency: 3,
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		CallTimeout:    60 * time.Second,
		QueueDepth:     256,
	})
	setExecutorDefaults(v, "executors.backend", executor.DefaultConfig("backend"))

	d := discovery.DefaultConfig()
	v.SetDefault("discovery.user_agent", userAgent)
	v.SetDefault("discovery.timeout", d.Timeout)
	v.SetDefault("discovery.request_timeout", d.RequestTimeout)
	v.SetDefault("discovery.max_sitemap_depth", d.MaxSitemapDepth)
	v.SetDefault("discovery.crawl_depth", d.CrawlDepth)
	v.SetDefault("discovery.crawl_parallelism", d.CrawlParallelism)
	v.SetDefault("discovery.crawl_delay", d.CrawlDelay)
	v.SetDefault("discovery.blocked_hosts", []string{})

	c := orchestrator.DefaultConfig()
	v.SetDefault("crawl.batch_size", c.BatchSize)
	v.SetDefault("crawl.batch_delay", c.BatchDelay)
	v.SetDefault("crawl.max_pages", c.MaxPages)
	v.SetDefault("crawl.respect_robots", c.RespectRobots)
	v.SetDefault("crawl.datasource", "")

	v.SetDefault("politeness.rps", 1.0)
	v.SetDefault("politeness.burst", 1)

	s := sanitizer.DefaultOptions()
	v.SetDefault("sanitizer.min_length", s.MinLength)
	v.SetDefault("sanitizer.short_min_length", s.ShortMinLength)
	v.SetDefault("sanitizer.min_alpha_ratio", s.MinAlphaRatio)
	v.SetDefault("sanitizer.short_alpha_ratio", s.ShortAlphaRatio)
	v.SetDefault("sanitizer.short_content_threshold", s.ShortContentThreshold)
	v.SetDefault("sanitizer.max_run_length", s.MaxRunLength)
	v.SetDefault("sanitizer.extract_min_length", s.ExtractMinLength)
	v.SetDefault("sanitizer.min_line_alpha_ratio", s.MinLineAlphaRatio)

	v.SetDefault("chunker.primary_size", chunker.DefaultPrimarySize)
	v.SetDefault("chunker.overlap_fraction", chunker.DefaultOverlapFraction)
	v.SetDefault("chunker.heading_overlap_fraction", chunker.DefaultHeadingOverlapFraction)
	v.SetDefault("chunker.context_paragraphs", chunker.DefaultContextParagraphs)
	v.SetDefault("chunker.context_chars", chunker.DefaultContextChars)
	v.SetDefault("chunker.min_chunk_length", chunker.DefaultMinChunkLength)
	v.SetDefault("chunker.min_alpha_token_ratio", chunker.DefaultMinAlphaTokenRatio)
	v.SetDefault("chunker.short_doc_threshold", chunker.DefaultShortDocThreshold)

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.base_dir", "data/content")
	v.SetDefault("storage.project_id", "")
	v.SetDefault("writer.max_cas_attempts", 8)

	v.SetDefault("reindex.backend", ReindexMemory)
	v.SetDefault("reindex.http.base_url", "")
	v.SetDefault("reindex.http.api_key", "")
	v.SetDefault("reindex.http.timeout", 30*time.Second)
	v.SetDefault("reindex.poll.poll_interval", 5*time.Second)
	v.SetDefault("reindex.poll.max_poll_interval", time.Minute)
	v.SetDefault("reindex.simulated_run", 30*time.Second)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.browser.max_parallel", 1)
	v.SetDefault("headless.browser.user_agent", userAgent)
	v.SetDefault("headless.browser.navigation_timeout", 25*time.Second)
	v.SetDefault("headless.browser.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.budget", 10)
	v.SetDefault("headless.promotion_threshold", 60)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.jobs_table", "ingest_jobs")
	v.SetDefault("db.pages_table", "ingest_pages")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.prune_interval", 10*time.Minute)

	v.SetDefault("telemetry.service_name", "rag-ingestor")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func setExecutorDefaults(v *viper.Viper, key string, cfg executor.Config) {
	v.SetDefault(key+".max_concurrency", cfg.MaxConcurrency)
	v.SetDefault(key+".min_interval", cfg.MinInterval)
	v.SetDefault(key+".max_retries", cfg.MaxRetries)
	v.SetDefault(key+".base_delay", cfg.BaseDelay)
	v.SetDefault(key+".max_delay", cfg.MaxDelay)
	v.SetDefault(key+".call_timeout", cfg.CallTimeout)
	v.SetDefault(key+".queue_depth", cfg.QueueDepth)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Executors.Fetch.MaxConcurrency <= 0 {
		return fmt.Errorf("executors.fetch.max_concurrency must be > 0")
	}
	if c.Executors.Backend.MaxConcurrency <= 0 {
		return fmt.Errorf("executors.backend.max_concurrency must be > 0")
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be > 0")
	}
	if c.Crawl.BatchDelay < 0 {
		return fmt.Errorf("crawl.batch_delay must be >= 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.Reindex.Backend {
	case ReindexMemory:
	case ReindexHTTP:
		if c.Reindex.HTTP.BaseURL == "" {
			return fmt.Errorf("reindex.http.base_url must be set for the http backend")
		}
	default:
		return fmt.Errorf("reindex.backend %q is not one of memory, http", c.Reindex.Backend)
	}
	if c.Headless.Enabled && c.Headless.Browser.MaxParallel <= 0 {
		return fmt.Errorf("headless.browser.max_parallel must be > 0 when headless is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}
