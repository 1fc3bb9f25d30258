// Package monitoring provides the match audit trail and catalog embedding checks.
package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/codify"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// ReviewChannel carries matches that need a human decision.
const ReviewChannel = "match.review"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// AuditLogger records every finished match. It implements codify.Recorder.
type AuditLogger struct {
	logger    *observability.Logger
	db        DB
	table     string
	publisher catalog.Notifier
	now       func() time.Time
}

// AuditEvent is one audited match decision.
type AuditEvent struct {
	ID             uuid.UUID            `json:"id"`
	RequestID      string               `json:"request_id"`
	ModelYear      int                  `json:"model_year"`
	Description    string               `json:"description"`
	Decision       codify.Decision      `json:"decision"`
	Confidence     float64              `json:"confidence"`
	SuggestedCode  *string              `json:"suggested_code,omitempty"`
	CatalogVersion string               `json:"catalog_version"`
	Degradations   []codify.Degradation `json:"degradations"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithDB persists events into table.
func WithDB(db DB, table string) AuditOption {
	return func(a *AuditLogger) {
		a.db = db
		a.table = table
	}
}

// WithReviewPublisher broadcasts needs_review events on ReviewChannel.
func WithReviewPublisher(p catalog.Notifier) AuditOption {
	return func(a *AuditLogger) { a.publisher = p }
}

// NewAuditLogger creates a new audit logger. Without options it only logs.
func NewAuditLogger(logger *observability.Logger, opts ...AuditOption) (*AuditLogger, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	a := &AuditLogger{
		logger: logger.WithOperation("audit"),
		table:  "match_audit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if !tableName.MatchString(a.table) {
		return nil, fmt.Errorf("invalid audit table name %q", a.table)
	}
	return a, nil
}

// EnsureSchema creates the audit table for development databases.
func (a *AuditLogger) EnsureSchema(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		model_year INTEGER NOT NULL,
		description TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		suggested_code TEXT NULL,
		catalog_version TEXT NOT NULL,
		degradations TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`, a.table))
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// RecordMatch logs res and, when configured, persists and broadcasts it.
func (a *AuditLogger) RecordMatch(ctx context.Context, res codify.MatchResult) error {
	event := AuditEvent{
		ID:             uuid.New(),
		RequestID:      res.RequestID,
		ModelYear:      res.Input.ModelYear,
		Description:    res.Input.Description,
		Decision:       res.Decision,
		Confidence:     res.Confidence,
		SuggestedCode:  res.SuggestedCode,
		CatalogVersion: res.CatalogVersion,
		Degradations:   res.Degradations,
		OccurredAt:     a.now().UTC(),
	}
	if event.Degradations == nil {
		event.Degradations = []codify.Degradation{}
	}

	code := ""
	if event.SuggestedCode != nil {
		code = *event.SuggestedCode
	}
	a.logger.WithContext(ctx).Info().
		Str("event_id", event.ID.String()).
		Str("decision", string(event.Decision)).
		Score("confidence", event.Confidence).
		Str("suggested_code", code).
		Str("catalog_version", event.CatalogVersion).
		Msg("Audit event")

	if a.db != nil {
		if err := a.insert(ctx, event); err != nil {
			return err
		}
	}

	if a.publisher != nil && event.Decision == codify.DecisionNeedsReview {
		if err := a.publisher.Publish(ctx, ReviewChannel, event); err != nil {
			return fmt.Errorf("publish review event: %w", err)
		}
	}
	return nil
}

func (a *AuditLogger) insert(ctx context.Context, e AuditEvent) error {
	degradations, err := json.Marshal(e.Degradations)
	if err != nil {
		return fmt.Errorf("marshal degradations: %w", err)
	}

	var code interface{}
	if e.SuggestedCode != nil {
		code = *e.SuggestedCode
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, request_id, model_year, description, decision, confidence, suggested_code, catalog_version, degradations, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, a.table)
	_, err = a.db.ExecContext(ctx, query,
		e.ID.String(), e.RequestID, e.ModelYear, e.Description, string(e.Decision),
		e.Confidence, code, e.CatalogVersion, string(degradations), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the latest persisted events, newest first.
func (a *AuditLogger) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	if a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`SELECT
		id, request_id, model_year, description, decision, confidence, suggested_code, catalog_version, degradations, occurred_at
		FROM %s ORDER BY occurred_at DESC LIMIT $1`, a.table), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e            AuditEvent
			id, decision string
			code         sql.NullString
			degradations string
		)
		if err := rows.Scan(&id, &e.RequestID, &e.ModelYear, &e.Description, &decision,
			&e.Confidence, &code, &e.CatalogVersion, &degradations, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit id: %w", err)
		}
		e.Decision = codify.Decision(decision)
		if code.Valid {
			c := code.String
			e.SuggestedCode = &c
		}
		if err := json.Unmarshal([]byte(degradations), &e.Degradations); err != nil {
			return nil, fmt.Errorf("decode degradations: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ codify.Recorder = (*AuditLogger)(nil)
