// Package config provides unified configuration loading for the vehicle codifier.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the codifier.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Filter        FilterConfig        `yaml:"filter"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Finalizer     FinalizerConfig     `yaml:"finalizer"`
	Decision      DecisionConfig      `yaml:"decision"`
	Batch         BatchConfig         `yaml:"batch"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig holds catalog store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite, postgres or memory
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds key/value cache settings (query embeddings, activation events).
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// CatalogConfig holds catalog cache lifecycle settings.
type CatalogConfig struct {
	CacheEnabled      bool          `yaml:"cache_enabled"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	RefreshTimeout    time.Duration `yaml:"refresh_timeout"`
	ActivationChannel string        `yaml:"activation_channel"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // openrouter or hash
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimension  int           `yaml:"dimension"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	MaxRetries int           `yaml:"max_retries"`
}

// LLMConfig holds chat-completion settings shared by the extractor fallback
// and the finalizer.
type LLMConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second
	Burst          int           `yaml:"burst"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ExtractionConfig holds field extraction thresholds and confidence bands.
type ExtractionConfig struct {
	FuzzyMinScore      float64 `yaml:"fuzzy_min_score"`
	FuzzyMinTermLength int     `yaml:"fuzzy_min_term_length"`
	FuzzyConfidenceMin float64 `yaml:"fuzzy_confidence_min"`
	FuzzyConfidenceMax float64 `yaml:"fuzzy_confidence_max"`
	KeywordConfidence  float64 `yaml:"keyword_confidence"`
	LLMFallback        bool    `yaml:"llm_fallback"`
	LLMFallbackBelow   float64 `yaml:"llm_fallback_below"`
	LLMConfidenceMin   float64 `yaml:"llm_confidence_min"`
	LLMConfidenceMax   float64 `yaml:"llm_confidence_max"`
}

// FilterConfig holds candidate filtering thresholds.
type FilterConfig struct {
	HighConfidence        float64       `yaml:"high_confidence"`
	VehicleTypeConfidence float64       `yaml:"vehicle_type_confidence"`
	MaxCandidates         int           `yaml:"max_candidates"`
	Weights               FilterWeights `yaml:"weights"`
}

// FilterWeights weight each agreeing attribute when computing filter_score.
type FilterWeights struct {
	Year        float64 `yaml:"year"`
	Brand       float64 `yaml:"brand"`
	Submodel    float64 `yaml:"submodel"`
	VehicleType float64 `yaml:"vehicle_type"`
}

// ScoringConfig holds the pre-LLM score weights.
type ScoringConfig struct {
	FilterWeight    float64 `yaml:"filter_weight"`
	FuzzyWeight     float64 `yaml:"fuzzy_weight"`
	EmbeddingWeight float64 `yaml:"embedding_weight"`
	TopK            int     `yaml:"top_k"`
}

// FinalizerConfig holds LLM reranking settings.
type FinalizerConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	TopN                    int     `yaml:"top_n"`
	HighConfidenceLLMWeight float64 `yaml:"high_confidence_llm_weight"`
	DefaultLLMWeight        float64 `yaml:"default_llm_weight"`
	SkipAbove               float64 `yaml:"skip_above"`
}

// ThresholdBand is a (low, high) decision band.
type ThresholdBand struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// DecisionConfig holds per-vehicle-type threshold bands.
type DecisionConfig struct {
	Default      ThresholdBand            `yaml:"default"`
	VehicleTypes map[string]ThresholdBand `yaml:"vehicle_types"`
}

// BatchConfig holds batch worker pool settings.
type BatchConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	ItemTimeout    time.Duration `yaml:"item_timeout"`
}

// AuditConfig holds decision audit settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Persist bool   `yaml:"persist"`
	Table   string `yaml:"table"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/vehicle-codifier.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "vc:",
			},
		},
		Catalog: CatalogConfig{
			CacheEnabled:      true,
			RefreshInterval:   24 * time.Hour,
			RefreshTimeout:    5 * time.Minute,
			ActivationChannel: "catalog.activated",
			QueryTimeout:      5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "google/gemini-embedding-001",
			BaseURL:   "https://openrouter.ai/api/v1",
			Dimension: 768,
			BatchSize:  100,
			Timeout:    5 * time.Second,
			CacheTTL:   24 * time.Hour,
			RateLimit:  10,
			MaxRetries: 2,
		},
		LLM: LLMConfig{
			Enabled:        false,
			Model:          "google/gemini-2.5-flash",
			BaseURL:        "https://openrouter.ai/api/v1",
			Timeout:        10 * time.Second,
			Temperature:    0,
			MaxTokens:      512,
			RateLimit:      2,
			Burst:          4,
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Extraction: ExtractionConfig{
			FuzzyMinScore:      0.80,
			FuzzyMinTermLength: 3,
			FuzzyConfidenceMin: 0.40,
			FuzzyConfidenceMax: 0.95,
			KeywordConfidence:  0.80,
			LLMFallback:        true,
			LLMFallbackBelow:   0.50,
			LLMConfidenceMin:   0.70,
			LLMConfidenceMax:   0.90,
		},
		Filter: FilterConfig{
			HighConfidence:        0.90,
			VehicleTypeConfidence: 0.70,
			MaxCandidates:         500,
			Weights: FilterWeights{
				Year:        0.25,
				Brand:       0.35,
				Submodel:    0.30,
				VehicleType: 0.10,
			},
		},
		Scoring: ScoringConfig{
			FilterWeight:    0.4,
			FuzzyWeight:     0.3,
			EmbeddingWeight: 0.3,
			TopK:            10,
		},
		Finalizer: FinalizerConfig{
			Enabled:                 true,
			TopN:                    5,
			HighConfidenceLLMWeight: 0.2,
			DefaultLLMWeight:        0.5,
			SkipAbove:               1.01,
		},
		Decision: DecisionConfig{
			Default: ThresholdBand{Low: 0.70, High: 0.90},
			VehicleTypes: map[string]ThresholdBand{
				"auto":        {Low: 0.70, High: 0.90},
				"camioneta":   {Low: 0.72, High: 0.92},
				"motocicleta": {Low: 0.65, High: 0.88},
			},
		},
		Batch: BatchConfig{
			MaxConcurrency: 8,
			ItemTimeout:    30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled: true,
			Persist: false,
			Table:   "match_audit",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			ServiceName:    "vehicle-codifier",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Provider != "openrouter" && c.Embedding.Provider != "hash" {
		return fmt.Errorf("invalid embedding provider: %s", c.Embedding.Provider)
	}

	if c.Embedding.Timeout <= 0 || c.LLM.Timeout <= 0 {
		return fmt.Errorf("embedding and llm timeouts must be positive")
	}

	if c.Embedding.RateLimit < 0 || c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding rate_limit and max_retries must not be negative")
	}

	if c.LLM.RateLimit <= 0 || c.LLM.Burst < 1 {
		return fmt.Errorf("llm rate_limit must be positive and burst at least 1")
	}

	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm max_retries must not be negative")
	}

	s := c.Scoring
	if err := checkWeights("scoring", s.FilterWeight, s.FuzzyWeight, s.EmbeddingWeight); err != nil {
		return err
	}
	if s.TopK < 1 {
		return fmt.Errorf("scoring top_k must be at least 1")
	}

	w := c.Filter.Weights
	if err := checkWeights("filter", w.Year, w.Brand, w.Submodel, w.VehicleType); err != nil {
		return err
	}

	for name, x := range map[string]float64{
		"filter.high_confidence":               c.Filter.HighConfidence,
		"filter.vehicle_type_confidence":       c.Filter.VehicleTypeConfidence,
		"extraction.fuzzy_min_score":           c.Extraction.FuzzyMinScore,
		"extraction.keyword_confidence":        c.Extraction.KeywordConfidence,
		"extraction.llm_fallback_below":        c.Extraction.LLMFallbackBelow,
		"finalizer.high_confidence_llm_weight": c.Finalizer.HighConfidenceLLMWeight,
		"finalizer.default_llm_weight":         c.Finalizer.DefaultLLMWeight,
	} {
		if !inUnit(x) {
			return fmt.Errorf("%s must be within [0,1], got %v", name, x)
		}
	}

	// Only exact matches reach 1.0, which is what enables the submodel filter.
	if !inUnit(c.Extraction.FuzzyConfidenceMin) || c.Extraction.FuzzyConfidenceMax >= 1 ||
		c.Extraction.FuzzyConfidenceMin > c.Extraction.FuzzyConfidenceMax {
		return fmt.Errorf("invalid fuzzy confidence band [%v, %v]",
			c.Extraction.FuzzyConfidenceMin, c.Extraction.FuzzyConfidenceMax)
	}

	if !inUnit(c.Extraction.LLMConfidenceMin) || c.Extraction.LLMConfidenceMax >= 1 ||
		c.Extraction.LLMConfidenceMin > c.Extraction.LLMConfidenceMax {
		return fmt.Errorf("invalid llm confidence band [%v, %v]",
			c.Extraction.LLMConfidenceMin, c.Extraction.LLMConfidenceMax)
	}

	if err := checkBand("default", c.Decision.Default); err != nil {
		return err
	}
	for vt, band := range c.Decision.VehicleTypes {
		if err := checkBand(vt, band); err != nil {
			return err
		}
	}

	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch max_concurrency must be at least 1")
	}

	if c.Finalizer.TopN < 1 {
		return fmt.Errorf("finalizer top_n must be at least 1")
	}

	return nil
}

func inUnit(x float64) bool {
	return x >= 0 && x <= 1
}

func checkWeights(section string, weights ...float64) error {
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s weights must not be negative", section)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%s weights must sum to 1.0, got %.4f", section, sum)
	}
	return nil
}

func checkBand(name string, b ThresholdBand) error {
	if !inUnit(b.Low) || !inUnit(b.High) || b.Low > b.High {
		return fmt.Errorf("invalid decision band %q: low=%v high=%v", name, b.Low, b.High)
	}
	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
		cfg.LLM.APIKey = v
		cfg.Embedding.Provider = "openrouter"
	}

	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("LLM_ENABLED"); v != "" {
		cfg.LLM.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("BATCH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxConcurrency = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// BandFor returns the threshold band configured for a vehicle type, falling
// back to the default band.
func (d DecisionConfig) BandFor(vehicleType string) ThresholdBand {
	if band, ok := d.VehicleTypes[strings.ToLower(vehicleType)]; ok {
		return band
	}
	return d.Default
}
