// Package config loads notegrade configuration from defaults, a YAML file and
// NOTEGRADE_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/pkg/retry"
	"github.com/notegrade/notegrade/internal/scoring"
)

// Config holds all service configuration.
type Config struct {
	Host string `envconfig:"NOTEGRADE_HOST" yaml:"host"`
	Port int    `envconfig:"NOTEGRADE_PORT" yaml:"port"`

	Log LogConfig `yaml:"log"`

	Bus BusConfig `yaml:"bus"`

	Storage StorageConfig `yaml:"storage"`

	Drafts DraftsConfig `yaml:"drafts"`

	Similarity SimilarityConfig `yaml:"similarity"`

	Scoring ScoringConfig `yaml:"scoring"`

	Bucket BucketConfig `yaml:"bucket"`

	Retry RetryConfig `yaml:"retry"`

	Security SecurityConfig `yaml:"security"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `envconfig:"NOTEGRADE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"NOTEGRADE_LOG_FORMAT" yaml:"format"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	Type         string `envconfig:"NOTEGRADE_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"NOTEGRADE_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"NOTEGRADE_KAFKA_GROUP" yaml:"kafka_group"`
	// EventLogPath, when set, appends every published event to a JSONL file.
	EventLogPath string `envconfig:"NOTEGRADE_EVENT_LOG" yaml:"event_log"`
	// ConsumeRequests subscribes the evaluation handler to evaluation.requested.
	ConsumeRequests bool `envconfig:"NOTEGRADE_BUS_CONSUME" yaml:"consume_requests"`
}

// StorageConfig selects the evaluation store.
type StorageConfig struct {
	Type        string `envconfig:"NOTEGRADE_STORAGE_TYPE" yaml:"type"`
	SQLitePath  string `envconfig:"NOTEGRADE_SQLITE_PATH" yaml:"sqlite_path"`
	PostgresDSN string `envconfig:"NOTEGRADE_POSTGRES_DSN" yaml:"postgres_dsn"`
	RedisURL    string `envconfig:"NOTEGRADE_REDIS_URL" yaml:"redis_url"`
	RedisPrefix string `envconfig:"NOTEGRADE_REDIS_PREFIX" yaml:"redis_prefix"`
}

// DraftsConfig selects where reference and candidate texts are read from.
type DraftsConfig struct {
	Type        string `envconfig:"NOTEGRADE_DRAFTS_TYPE" yaml:"type"`
	PostgresDSN string `envconfig:"NOTEGRADE_DRAFTS_DSN" yaml:"postgres_dsn"`
	// SeedFile is a YAML file of drafts loaded into the memory source.
	SeedFile string `envconfig:"NOTEGRADE_DRAFTS_SEED" yaml:"seed_file"`
}

// SimilarityConfig configures the semantic similarity provider chain.
type SimilarityConfig struct {
	// Providers is a comma-separated, ordered list of openai, bus and lexical.
	Providers     string        `envconfig:"NOTEGRADE_SIMILARITY_PROVIDERS" yaml:"providers"`
	Timeout       time.Duration `envconfig:"NOTEGRADE_SIMILARITY_TIMEOUT" yaml:"timeout"`
	OpenAIAPIKey  string        `envconfig:"NOTEGRADE_OPENAI_API_KEY" yaml:"openai_api_key"`
	OpenAIBaseURL string        `envconfig:"NOTEGRADE_OPENAI_BASE_URL" yaml:"openai_base_url"`
	OpenAIModel   string        `envconfig:"NOTEGRADE_OPENAI_MODEL" yaml:"openai_model"`
	// CacheDSN enables the pgvector embedding cache.
	CacheDSN     string `envconfig:"NOTEGRADE_EMBEDDING_CACHE_DSN" yaml:"cache_dsn"`
	EmbeddingDim int    `envconfig:"NOTEGRADE_EMBEDDING_DIM" yaml:"embedding_dim"`
	// ServeBus answers similarity.requested with the local chain.
	ServeBus bool `envconfig:"NOTEGRADE_SIMILARITY_SERVE" yaml:"serve_bus"`
}

// ProviderList returns the trimmed, lower-cased provider names.
func (s SimilarityConfig) ProviderList() []string {
	var out []string
	for _, p := range strings.Split(s.Providers, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ScoringConfig configures quality and improvement scoring.
type ScoringConfig struct {
	WeightSER          float64 `envconfig:"NOTEGRADE_WEIGHT_SER" yaml:"weight_ser"`
	WeightWER          float64 `envconfig:"NOTEGRADE_WEIGHT_WER" yaml:"weight_wer"`
	WeightSemantic     float64 `envconfig:"NOTEGRADE_WEIGHT_SEMANTIC" yaml:"weight_semantic"`
	WindowLow          float64 `envconfig:"NOTEGRADE_WINDOW_LOW" yaml:"window_low"`
	WindowHigh         float64 `envconfig:"NOTEGRADE_WINDOW_HIGH" yaml:"window_high"`
	Decay              string  `envconfig:"NOTEGRADE_DECAY" yaml:"decay"`
	DecayRate          float64 `envconfig:"NOTEGRADE_DECAY_RATE" yaml:"decay_rate"`
	SentenceMatchRatio float64 `envconfig:"NOTEGRADE_SENTENCE_MATCH_RATIO" yaml:"sentence_match_ratio"`
	TrendCap           int     `envconfig:"NOTEGRADE_TREND_CAP" yaml:"trend_cap"`
}

// Weights returns the quality weights.
func (s ScoringConfig) Weights() scoring.Weights {
	return scoring.Weights{SER: s.WeightSER, WER: s.WeightWER, Semantic: s.WeightSemantic}
}

// Window returns the expansion window.
func (s ScoringConfig) Window() scoring.Window {
	return scoring.Window{Low: s.WindowLow, High: s.WindowHigh, Decay: scoring.Decay(s.Decay), Rate: s.DecayRate}
}

// BucketConfig configures classification.
type BucketConfig struct {
	ThresholdA float64 `envconfig:"NOTEGRADE_BUCKET_A" yaml:"threshold_a"`
	ThresholdB float64 `envconfig:"NOTEGRADE_BUCKET_B" yaml:"threshold_b"`
	Critical   float64 `envconfig:"NOTEGRADE_BUCKET_CRITICAL" yaml:"critical"`
	// Default is the bucket assumed for a speaker with no history.
	Default string `envconfig:"NOTEGRADE_BUCKET_DEFAULT" yaml:"default"`
}

// Thresholds returns the classifier thresholds.
func (b BucketConfig) Thresholds() bucket.Thresholds {
	return bucket.Thresholds{A: b.ThresholdA, B: b.ThresholdB, Critical: b.Critical}
}

// DefaultBucket returns the parsed default bucket.
func (b BucketConfig) DefaultBucket() bucket.Bucket {
	parsed, err := bucket.Parse(b.Default)
	if err != nil {
		return bucket.C
	}
	return parsed
}

// RetryConfig configures retries of the speaker transaction.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"NOTEGRADE_RETRY_MAX_ATTEMPTS" yaml:"max_attempts"`
	BaseDelay   time.Duration `envconfig:"NOTEGRADE_RETRY_BASE_DELAY" yaml:"base_delay"`
	Multiplier  float64       `envconfig:"NOTEGRADE_RETRY_MULTIPLIER" yaml:"multiplier"`
	MaxDelay    time.Duration `envconfig:"NOTEGRADE_RETRY_MAX_DELAY" yaml:"max_delay"`
	Jitter      float64       `envconfig:"NOTEGRADE_RETRY_JITTER" yaml:"jitter"`
}

// Policy returns the retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// SecurityConfig configures request limits.
type SecurityConfig struct {
	RateLimit int `envconfig:"NOTEGRADE_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	RateBurst int `envconfig:"NOTEGRADE_RATE_BURST" yaml:"rate_burst"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"NOTEGRADE_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string `envconfig:"NOTEGRADE_METRICS_PATH" yaml:"metrics_path"`
	TracingEnabled bool   `envconfig:"NOTEGRADE_TRACING_ENABLED" yaml:"tracing_enabled"`
}

// Load loads configuration. An empty configPath skips the YAML file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns the default configuration without reading files or env.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Bus = BusConfig{
		Type:            "memory",
		KafkaGroup:      "notegrade",
		ConsumeRequests: true,
	}

	cfg.Storage = StorageConfig{
		Type:        "sqlite",
		SQLitePath:  "./data/notegrade.db",
		RedisURL:    "redis://localhost:6379",
		RedisPrefix: "notegrade:",
	}

	cfg.Drafts = DraftsConfig{
		Type: "memory",
	}

	cfg.Similarity = SimilarityConfig{
		Providers:    "lexical",
		Timeout:      10 * time.Second,
		OpenAIModel:  "text-embedding-3-small",
		EmbeddingDim: 1536,
	}

	w := scoring.DefaultWeights()
	win := scoring.DefaultWindow()
	cfg.Scoring = ScoringConfig{
		WeightSER:          w.SER,
		WeightWER:          w.WER,
		WeightSemantic:     w.Semantic,
		WindowLow:          win.Low,
		WindowHigh:         win.High,
		Decay:              string(win.Decay),
		DecayRate:          win.Rate,
		SentenceMatchRatio: 0.9,
		TrendCap:           20,
	}

	th := bucket.DefaultThresholds()
	cfg.Bucket = BucketConfig{
		ThresholdA: th.A,
		ThresholdB: th.B,
		Critical:   th.Critical,
		Default:    string(bucket.C),
	}

	p := retry.DefaultPolicy()
	cfg.Retry = RetryConfig{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		Multiplier:  p.Multiplier,
		MaxDelay:    p.MaxDelay,
		Jitter:      p.Jitter,
	}

	cfg.Security = SecurityConfig{
		RateLimit: 0,
		RateBurst: 100,
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
		TracingEnabled: false,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, "sqlite_path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, "postgres_dsn is required for postgres storage")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, "redis_url is required for redis storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid storage type: %s (must be memory, sqlite, postgres, or redis)", c.Storage.Type))
	}

	switch c.Drafts.Type {
	case "memory":
	case "postgres":
		if c.Drafts.PostgresDSN == "" {
			errs = append(errs, "drafts postgres_dsn is required for postgres drafts")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid drafts type: %s (must be memory or postgres)", c.Drafts.Type))
	}

	providers := c.Similarity.ProviderList()
	if len(providers) == 0 {
		errs = append(errs, "at least one similarity provider is required")
	}
	for _, p := range providers {
		if p == "bus" && c.Similarity.ServeBus {
			errs = append(errs, "similarity serve_bus cannot be combined with the bus provider")
		}
		switch p {
		case "lexical", "bus":
		case "openai":
			if c.Similarity.OpenAIAPIKey == "" {
				errs = append(errs, "openai_api_key is required for the openai similarity provider")
			}
			if c.Similarity.EmbeddingDim < 1 {
				errs = append(errs, "embedding_dim must be positive")
			}
		default:
			errs = append(errs, fmt.Sprintf("invalid similarity provider: %s (must be openai, bus, or lexical)", p))
		}
	}

	if err := c.Scoring.Weights().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Scoring.Window().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Scoring.SentenceMatchRatio <= 0 || c.Scoring.SentenceMatchRatio > 1 {
		errs = append(errs, "sentence_match_ratio must be within (0,1]")
	}
	if c.Scoring.TrendCap < 1 {
		errs = append(errs, "trend_cap must be at least 1")
	}

	if err := c.Bucket.Thresholds().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := bucket.Parse(c.Bucket.Default); err != nil {
		errs = append(errs, fmt.Sprintf("invalid default bucket: %s (must be A, B, or C)", c.Bucket.Default))
	}

	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, "retry: "+err.Error())
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "rate_limit cannot be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
