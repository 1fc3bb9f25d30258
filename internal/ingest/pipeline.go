package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// ErrRejectedRows indicates a strict load found invalid rows.
var ErrRejectedRows = errors.New("catalog file has rejected rows")

// JobStatus is the state of an ingestion job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Pipeline loads catalog files into a store as new versions.
type Pipeline struct {
	logger    *observability.Logger
	parser    *Parser
	store     catalog.Store
	guard     *monitoring.EmbeddingGuard
	publisher *Publisher
}

// IngestionRequest represents a request to load one catalog version.
type IngestionRequest struct {
	Version string
	// Path is read when Reader is nil.
	Path   string
	Reader io.Reader
	// Format defaults to the one detected from Path.
	Format Format
	// Strict fails the job when any row is rejected.
	Strict   bool
	Activate bool
}

// IngestionResult represents the result of an ingestion job.
type IngestionResult struct {
	JobID       uuid.UUID      `json:"job_id"`
	Version     string         `json:"version"`
	Status      JobStatus      `json:"status"`
	Entries     int            `json:"entries"`
	Rejected    int            `json:"rejected"`
	Embedded    int            `json:"embedded"`
	Activated   bool           `json:"activated"`
	Errors      []ParseError   `json:"errors,omitempty"`
	Publish     *PublishResult `json:"publish,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// NewPipeline creates a new ingestion pipeline. guard may be nil, in which
// case entries are stored with whatever embeddings the file carries.
func NewPipeline(logger *observability.Logger, store catalog.Store, guard *monitoring.EmbeddingGuard) *Pipeline {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Pipeline{
		logger:    logger.WithOperation("catalog_ingest"),
		parser:    NewParser(),
		store:     store,
		guard:     guard,
		publisher: NewPublisher(logger, store),
	}
}

// Publisher returns the publisher used for activation.
func (p *Pipeline) Publisher() *Publisher {
	return p.publisher
}

// Ingest parses a catalog file, fills missing embeddings and stores the
// entries as req.Version. The result is returned on failure as well.
func (p *Pipeline) Ingest(ctx context.Context, req IngestionRequest) (*IngestionResult, error) {
	result := &IngestionResult{
		JobID:     uuid.New(),
		Version:   req.Version,
		Status:    JobStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	log := p.logger.WithCatalogVersion(req.Version).With().
		Str("job_id", result.JobID.String()).
		Logger()

	fail := func(err error) (*IngestionResult, error) {
		result.Status = JobStatusFailed
		result.CompletedAt = time.Now().UTC()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		log.Error().Err(err).Msg("Catalog ingestion failed")
		return result, err
	}

	if req.Version == "" {
		return fail(errors.New("version is required"))
	}

	log.Info().Str("path", req.Path).Msg("Starting catalog ingestion")

	// Step 1: Parse
	parsed, err := p.parse(req)
	if err != nil {
		return fail(err)
	}
	result.Errors = parsed.Errors
	for _, e := range parsed.Errors {
		if e.Severity == SeverityError {
			result.Rejected++
		}
	}
	if req.Strict && result.Rejected > 0 {
		return fail(fmt.Errorf("%w: %d rejected", ErrRejectedRows, result.Rejected))
	}
	if len(parsed.Entries) == 0 {
		return fail(catalog.ErrEmptyVersion)
	}

	// Step 2: Embed
	entries := parsed.Entries
	if p.guard != nil {
		entries, result.Embedded, err = p.guard.Repair(ctx, entries)
		if err != nil {
			return fail(fmt.Errorf("embed entries: %w", err))
		}
	}

	// Step 3: Store
	if err := p.store.LoadVersion(ctx, req.Version, entries); err != nil {
		return fail(fmt.Errorf("load version: %w", err))
	}
	result.Entries = len(entries)

	// Step 4: Activate
	if req.Activate {
		pub, err := p.publisher.Activate(ctx, req.Version)
		if err != nil && !errors.Is(err, ErrAlreadyActive) {
			return fail(err)
		}
		result.Publish = pub
		result.Activated = true
	}

	result.Status = JobStatusSucceeded
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	log.Info().
		Int("entries", result.Entries).
		Int("rejected", result.Rejected).
		Int("embedded", result.Embedded).
		Bool("activated", result.Activated).
		Dur("duration", result.Duration).
		Msg("Catalog ingestion completed")

	return result, nil
}

func (p *Pipeline) parse(req IngestionRequest) (*ParsedCatalog, error) {
	format := req.Format
	if format == "" {
		var err error
		if format, err = DetectFormat(req.Path); err != nil {
			return nil, err
		}
	}

	r := req.Reader
	if r == nil {
		f, err := os.Open(req.Path)
		if err != nil {
			return nil, fmt.Errorf("open catalog file: %w", err)
		}
		defer f.Close()
		r = f
	}

	parsed, err := p.parser.ParseCatalog(r, format)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return parsed, nil
}
