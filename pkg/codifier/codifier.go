// Package codifier is the Go SDK for the vehicle codifier. It wires the
// catalog store, the key/value cache, the embedding and LLM providers and
// the audit trail into a match pipeline built from a config.Config.
package codifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/cache"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/codify"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/ingest"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/llm"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/metrics"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// Re-exported so SDK users can name results without importing internal packages.
type (
	VehicleInput     = codify.VehicleInput
	RawInput         = codify.RawInput
	MatchResult      = codify.MatchResult
	BatchItem        = codify.BatchItem
	ProgressFunc     = codify.ProgressFunc
	Decision         = codify.Decision
	Entry            = catalog.Entry
	VersionInfo      = catalog.VersionInfo
	IngestionRequest = ingest.IngestionRequest
	IngestionResult  = ingest.IngestionResult
	Format           = ingest.Format
	PublishResult    = ingest.PublishResult
	AuditEvent       = monitoring.AuditEvent
	EmbeddingReport  = monitoring.EmbeddingReport
)

// Supported file formats.
const (
	FormatCSV   = ingest.FormatCSV
	FormatJSONL = ingest.FormatJSONL
)

// IsInvalidInput reports whether err rejects the request itself.
func IsInvalidInput(err error) bool { return codify.IsInvalidInput(err) }

// Options overrides components that would otherwise be built from config.
type Options struct {
	Logger *observability.Logger
	// Registerer receives the codifier metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
	Now        func() time.Time
	// Store replaces the store selected by cfg.Database.
	Store catalog.Store
	// Embedder replaces the provider selected by cfg.Embedding.
	Embedder embedding.Embedder
	// LLM replaces the client built when cfg.LLM.Enabled is set.
	LLM llm.Completer
}

// Codifier is a running codifier instance.
type Codifier struct {
	cfg      *config.Config
	logger   *observability.Logger
	db       *sql.DB
	store    catalog.Store
	kv       cache.Client
	pubsub   cache.PubSub
	catalog  *catalog.Cache
	embedder embedding.Embedder
	metrics  *metrics.Metrics
	audit    *monitoring.AuditLogger
	guard    *monitoring.EmbeddingGuard
	ingest   *ingest.Pipeline
	pipeline *codify.Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []io.Closer
}

// New builds a codifier from cfg. The catalog cache is loaded once before
// New returns; call Start to keep it fresh.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Codifier, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	c := &Codifier{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = c.closeResources()
		}
	}()

	if err := c.openCache(ctx); err != nil {
		return nil, err
	}

	c.embedder = opts.Embedder
	if c.embedder == nil {
		emb, err := newEmbedder(cfg.Embedding)
		if err != nil {
			return nil, err
		}
		c.embedder = emb
	}
	if cfg.Embedding.CacheTTL > 0 {
		c.embedder = embedding.NewCachedEmbedder(c.embedder, c.kv, cfg.Embedding.CacheTTL, logger)
	}

	if err := c.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}

	completer := opts.LLM
	if completer == nil && cfg.LLM.Enabled {
		client, err := llm.NewClient(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			BaseURL:     cfg.LLM.BaseURL,
			Timeout:     cfg.LLM.Timeout,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			RateLimit:   cfg.LLM.RateLimit,
			Burst:       cfg.LLM.Burst,
			Retry: llm.RetryConfig{
				MaxRetries:     cfg.LLM.MaxRetries,
				InitialBackoff: cfg.LLM.InitialBackoff,
				MaxBackoff:     cfg.LLM.MaxBackoff,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		completer = client
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var observer codify.Observer
	if cfg.Observability.MetricsEnabled {
		c.metrics = metrics.New(reg)
		observer = c.metrics
	}

	if err := c.openAudit(ctx); err != nil {
		return nil, err
	}
	var recorder codify.Recorder
	if cfg.Audit.Enabled {
		recorder = c.audit
	}

	c.guard = monitoring.NewEmbeddingGuard(logger, c.embedder, cfg.Embedding.BatchSize)
	c.ingest = ingest.NewPipeline(logger, c.store, c.guard)

	if cfg.Catalog.CacheEnabled {
		c.catalog = catalog.NewCache(c.store, logger)
		if c.metrics != nil {
			c.catalog.OnRefresh(c.metrics.ObserveRefresh)
		}
		refreshCtx, cancel := context.WithTimeout(ctx, cfg.Catalog.RefreshTimeout)
		err := c.catalog.Refresh(refreshCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Catalog cache not loaded, serving from store")
		}
	}

	pipeline, err := codify.NewPipeline(codify.Options{
		Config:   cfg,
		Reader:   catalog.NewReader(c.catalog, c.store, cfg.Catalog.QueryTimeout),
		Embedder: c.embedder,
		LLM:      completer,
		Logger:   logger,
		Observer: observer,
		Recorder: recorder,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, err
	}
	c.pipeline = pipeline

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Str("embedding_model", c.embedder.Model()).
		Bool("llm", completer != nil).
		Bool("catalog_cache", c.catalog != nil).
		Msg("Codifier ready")

	ok = true
	return c, nil
}

func (c *Codifier) openCache(ctx context.Context) error {
	switch c.cfg.Cache.Driver {
	case "redis":
		rc, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     c.cfg.Cache.Redis.Addr,
			Password: c.cfg.Cache.Redis.Password,
			DB:       c.cfg.Cache.Redis.DB,
			PoolSize: c.cfg.Cache.Redis.PoolSize,
			Prefix:   c.cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		c.kv, c.pubsub = rc, rc
	default:
		mc := cache.NewMemoryClient(c.cfg.Cache.MaxEntries)
		c.kv, c.pubsub = mc, mc
	}
	c.closers = append(c.closers, c.kv)
	return nil
}

func newEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	if cfg.Provider == "hash" {
		return embedding.NewHashEmbedder(cfg.Dimension), nil
	}
	client, err := embedding.NewClient(embedding.Config{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		Dimension:  cfg.Dimension,
		BatchSize:  cfg.BatchSize,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	return client, nil
}

func (c *Codifier) openStore(ctx context.Context, override catalog.Store) error {
	channel := c.cfg.Catalog.ActivationChannel
	if override != nil {
		c.store = override
		return nil
	}

	var dialect catalog.Dialect
	switch c.cfg.Database.Driver {
	case "memory":
		c.store = catalog.NewMemoryStore().WithNotifier(c.pubsub, channel)
		return nil
	case "postgres":
		dialect = catalog.DialectPostgres
	default:
		dialect = catalog.DialectSQLite
	}

	db, err := OpenDatabase(c.cfg)
	if err != nil {
		return err
	}
	c.db = db
	c.closers = append(c.closers, db)

	store := catalog.NewSQLStore(db, dialect).WithNotifier(c.pubsub, channel)
	if err := store.EnsureSchema(ctx, c.embedder.Dimension()); err != nil {
		return err
	}
	c.store = store
	return nil
}

func (c *Codifier) openAudit(ctx context.Context) error {
	auditOpts := []monitoring.AuditOption{monitoring.WithReviewPublisher(c.pubsub)}
	persist := c.cfg.Audit.Persist && c.db != nil
	if persist {
		auditOpts = append(auditOpts, monitoring.WithDB(c.db, c.cfg.Audit.Table))
	} else if c.cfg.Audit.Persist {
		c.logger.Warn().Msg("Audit persistence needs a sql database, logging only")
	}
	audit, err := monitoring.NewAuditLogger(c.logger, auditOpts...)
	if err != nil {
		return err
	}
	if persist {
		if err := audit.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	c.audit = audit
	return nil
}

// OpenDatabase opens the sql database named by cfg.Database.
func OpenDatabase(cfg *config.Config) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Postgres.DSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err = sql.Open("postgres", cfg.Database.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.Postgres.ConnMaxLifetime)
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Database.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.SQLite.MaxOpenConns)
		if mode := cfg.Database.SQLite.JournalMode; mode != "" {
			if _, err := db.Exec("PRAGMA journal_mode=" + mode); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set journal mode: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("driver %q has no sql database", cfg.Database.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Start runs the periodic catalog refresher and the activation watcher in
// the background until Close.
func (c *Codifier) Start(ctx context.Context) {
	if c.catalog == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.catalog.Run(ctx, c.cfg.Catalog.RefreshInterval, c.cfg.Catalog.RefreshTimeout)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.catalog.WatchActivations(ctx, c.pubsub, c.cfg.Catalog.ActivationChannel); err != nil {
			c.logger.Warn().Err(err).Msg("Catalog activation watcher stopped")
		}
	}()
}

// Close stops background work and releases connections.
func (c *Codifier) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	return c.closeResources()
}

func (c *Codifier) closeResources() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (c *Codifier) Config() *config.Config { return c.cfg }

// Match resolves one vehicle description.
func (c *Codifier) Match(ctx context.Context, in VehicleInput) (MatchResult, error) {
	return c.pipeline.Match(ctx, in)
}

// MatchRaw resolves a loosely shaped record.
func (c *Codifier) MatchRaw(ctx context.Context, raw RawInput) (MatchResult, error) {
	return c.pipeline.MatchRaw(ctx, raw)
}

// MatchBatch resolves inputs concurrently, preserving order.
func (c *Codifier) MatchBatch(ctx context.Context, inputs []VehicleInput, progress ProgressFunc) []BatchItem {
	return c.pipeline.MatchBatch(ctx, inputs, progress)
}

// MatchRawBatch is MatchBatch for loosely shaped records.
func (c *Codifier) MatchRawBatch(ctx context.Context, inputs []RawInput, progress ProgressFunc) []BatchItem {
	return c.pipeline.MatchRawBatch(ctx, inputs, progress)
}

// LoadCatalog ingests a catalog file as a new version.
func (c *Codifier) LoadCatalog(ctx context.Context, req IngestionRequest) (*IngestionResult, error) {
	res, err := c.ingest.Ingest(ctx, req)
	if err == nil && res.Activated {
		c.refreshAfterActivation(ctx)
	}
	return res, err
}

// Activate makes version the active catalog version.
func (c *Codifier) Activate(ctx context.Context, version string) (*PublishResult, error) {
	res, err := c.ingest.Publisher().Activate(ctx, version)
	if err != nil {
		return nil, err
	}
	c.refreshAfterActivation(ctx)
	return res, nil
}

// Rollback reactivates target, or the previously active version when empty.
func (c *Codifier) Rollback(ctx context.Context, target, reason string) (*PublishResult, error) {
	res, err := c.ingest.Publisher().Rollback(ctx, ingest.RollbackRequest{TargetVersion: target, Reason: reason})
	if err != nil {
		return nil, err
	}
	c.refreshAfterActivation(ctx)
	return res, nil
}

// refreshAfterActivation makes this process serve the new version at once;
// other processes follow through the activation channel.
func (c *Codifier) refreshAfterActivation(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Catalog cache refresh after activation failed")
	}
}

// Refresh reloads the catalog cache from the store.
func (c *Codifier) Refresh(ctx context.Context) error {
	if c.catalog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Catalog.RefreshTimeout)
	defer cancel()
	return c.catalog.Refresh(ctx)
}

// Status describes the catalog as seen by this process.
type Status struct {
	ActiveVersion   string           `json:"active_version,omitempty"`
	CachedVersion   string           `json:"cached_version,omitempty"`
	CachedEntries   int              `json:"cached_entries"`
	CacheBuiltAt    *time.Time       `json:"cache_built_at,omitempty"`
	Versions        []VersionInfo    `json:"versions"`
	Embeddings      *EmbeddingReport `json:"embeddings,omitempty"`
	EmbeddingsError string           `json:"embeddings_error,omitempty"`
}

// Status reports stored versions, the cached snapshot and, when checkEmbeddings
// is set, the embedding health of the active version.
func (c *Codifier) Status(ctx context.Context, checkEmbeddings bool) (*Status, error) {
	versions, err := c.store.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	st := &Status{Versions: versions}
	for _, v := range versions {
		if v.Status == catalog.VersionStatusActive {
			st.ActiveVersion = v.Version
		}
	}
	if c.catalog != nil {
		if snap := c.catalog.Snapshot(); snap != nil {
			built := snap.BuiltAt
			st.CachedVersion = snap.Version
			st.CachedEntries = snap.Len()
			st.CacheBuiltAt = &built
		}
	}
	if checkEmbeddings && st.ActiveVersion != "" {
		report, err := c.guard.Check(ctx, c.store)
		if err != nil {
			st.EmbeddingsError = err.Error()
		} else {
			st.Embeddings = &report
		}
	}
	return st, nil
}

// RecentAudit returns the latest persisted audit events.
func (c *Codifier) RecentAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	return c.audit.Recent(ctx, limit)
}

// ParseInputs reads batch inputs from r.
func ParseInputs(r io.Reader, format Format) ([]RawInput, error) {
	return ingest.NewParser().ParseInputs(r, format)
}
