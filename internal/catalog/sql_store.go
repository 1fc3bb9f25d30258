package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects SQL differences between the supported databases.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLStore implements Store on database/sql. Postgres ranks neighbours with
// the pgvector cosine operator; SQLite stores vectors as JSON arrays and
// ranks them in process.
type SQLStore struct {
	db       DB
	dialect  Dialect
	notifier Notifier
	channel  string
}

// NewSQLStore creates a store over db.
func NewSQLStore(db DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// WithNotifier publishes activation events on channel.
func (s *SQLStore) WithNotifier(n Notifier, channel string) *SQLStore {
	s.notifier = n
	s.channel = channel
	return s
}

// EnsureSchema creates the catalog tables for development databases.
// Production schemas are managed by migrations.
func (s *SQLStore) EnsureSchema(ctx context.Context, dimension int) error {
	embeddingType := "TEXT"
	if s.dialect == DialectPostgres {
		if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
		embeddingType = fmt.Sprintf("vector(%d)", dimension)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS catalog_versions (
			version TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			activated_at TIMESTAMP NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS catalog_entries (
			version TEXT NOT NULL REFERENCES catalog_versions(version),
			code TEXT NOT NULL,
			brand TEXT NOT NULL,
			submodel TEXT NOT NULL,
			vehicle_type TEXT NOT NULL,
			segment TEXT NOT NULL,
			model_year INTEGER NOT NULL,
			label TEXT NOT NULL,
			embedding %s,
			PRIMARY KEY (version, code, model_year)
		)`, embeddingType),
		`CREATE INDEX IF NOT EXISTS idx_catalog_entries_lookup
			ON catalog_entries (version, model_year, brand, submodel)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ActiveVersion returns the active version name.
func (s *SQLStore) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM catalog_versions WHERE status = $1`, string(VersionStatusActive),
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoActiveVersion
	}
	if err != nil {
		return "", fmt.Errorf("query active version: %w", err)
	}
	return version, nil
}

// Query returns active entries matching f, without embeddings.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := buildWhere(f)
	query := `SELECT e.version, e.code, e.brand, e.submodel, e.vehicle_type, e.segment, e.model_year, e.label
		FROM catalog_entries e
		JOIN catalog_versions v ON v.version = e.version
		WHERE ` + where + `
		ORDER BY e.code, e.model_year`
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Version, &e.Code, &e.Brand, &e.Submodel, &e.VehicleType,
			&e.Segment, &e.ModelYear, &e.Label); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Nearest ranks active entries matching f by cosine similarity to vec.
func (s *SQLStore) Nearest(ctx context.Context, vec []float32, k int, f Filter) ([]Neighbor, error) {
	if k <= 0 {
		k = 10
	}
	f.Limit = 0
	where, args := buildWhere(f)

	if s.dialect == DialectPostgres {
		args = append(args, encodeVector(vec))
		vecArg := "$" + strconv.Itoa(len(args))
		query := `SELECT e.code, e.model_year, 1 - (e.embedding <=> ` + vecArg + `::vector) AS similarity
			FROM catalog_entries e
			JOIN catalog_versions v ON v.version = e.version
			WHERE ` + where + ` AND e.embedding IS NOT NULL
			ORDER BY e.embedding <=> ` + vecArg + `::vector, e.code
			LIMIT ` + strconv.Itoa(k)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("nearest query: %w", err)
		}
		defer rows.Close()

		var out []Neighbor
		for rows.Next() {
			var n Neighbor
			if err := rows.Scan(&n.Code, &n.ModelYear, &n.Similarity); err != nil {
				return nil, fmt.Errorf("scan neighbor: %w", err)
			}
			out = append(out, n)
		}
		return out, rows.Err()
	}

	query := `SELECT e.code, e.model_year, e.embedding
		FROM catalog_entries e
		JOIN catalog_versions v ON v.version = e.version
		WHERE ` + where + ` AND e.embedding IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.Code, &e.ModelYear, &raw); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		if e.Embedding, err = decodeVector(raw); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Code, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankNeighbors(entries, vec, k), nil
}

// ListActive returns every entry of the active version with embeddings.
func (s *SQLStore) ListActive(ctx context.Context) (string, []Entry, error) {
	version, err := s.ActiveVersion(ctx)
	if err != nil {
		return "", nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, brand, submodel, vehicle_type, segment, model_year, label, embedding
		FROM catalog_entries WHERE version = $1
		ORDER BY code, model_year`, version)
	if err != nil {
		return "", nil, fmt.Errorf("list active entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{Version: version}
		var raw sql.NullString
		if err := rows.Scan(&e.Code, &e.Brand, &e.Submodel, &e.VehicleType, &e.Segment,
			&e.ModelYear, &e.Label, &raw); err != nil {
			return "", nil, fmt.Errorf("scan entry: %w", err)
		}
		if raw.Valid && raw.String != "" {
			if e.Embedding, err = decodeVector(raw.String); err != nil {
				return "", nil, fmt.Errorf("entry %s: %w", e.Code, err)
			}
		}
		out = append(out, e)
	}
	return version, out, rows.Err()
}

// LoadVersion writes entries under a new version in one transaction.
// Reusing a version name fails with ErrVersionExists.
func (s *SQLStore) LoadVersion(ctx context.Context, version string, entries []Entry) error {
	if version == "" {
		return fmt.Errorf("version is required")
	}
	if len(entries) == 0 {
		return ErrEmptyVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_versions (version, status) VALUES ($1, $2)
		ON CONFLICT (version) DO NOTHING`, version, string(VersionStatusLoaded))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert version: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrVersionExists, version)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_entries (version, code, brand, submodel, vehicle_type, segment, model_year, label, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, raw := range entries {
		e := raw.Normalized()
		var emb interface{}
		if len(e.Embedding) > 0 {
			emb = encodeVector(e.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, version, e.Code, e.Brand, e.Submodel, e.VehicleType,
			e.Segment, e.ModelYear, e.Label, emb); err != nil {
			return fmt.Errorf("insert entry %s/%d: %w", e.Code, e.ModelYear, err)
		}
	}

	return tx.Commit()
}

// Activate marks version active and archives the previously active one.
func (s *SQLStore) Activate(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM catalog_versions WHERE version = $1`, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	if err != nil {
		return fmt.Errorf("lookup version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE catalog_versions SET status = $1 WHERE status = $2 AND version <> $3`,
		string(VersionStatusArchived), string(VersionStatusActive), version); err != nil {
		return fmt.Errorf("archive previous version: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE catalog_versions SET status = $1, activated_at = $2 WHERE version = $3`,
		string(VersionStatusActive), now, version); err != nil {
		return fmt.Errorf("activate version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activation: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, s.channel, ActivationEvent{Version: version, ActivatedAt: now}); err != nil {
			return fmt.Errorf("publish activation: %w", err)
		}
	}
	return nil
}

// Versions lists stored versions with entry counts, newest first.
func (s *SQLStore) Versions(ctx context.Context) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.version, v.status, v.created_at, v.activated_at, COUNT(e.code)
		FROM catalog_versions v
		LEFT JOIN catalog_entries e ON e.version = v.version
		GROUP BY v.version, v.status, v.created_at, v.activated_at
		ORDER BY v.created_at DESC, v.version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var info VersionInfo
		var status string
		var created, activated dbTime
		if err := rows.Scan(&info.Version, &status, &created, &activated, &info.EntryCount); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		info.Status = VersionStatus(status)
		info.CreatedAt = created.Time
		if activated.Valid {
			t := activated.Time
			info.ActivatedAt = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// dbTime scans timestamps that drivers return either as time.Time or as text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Valid = false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// buildWhere renders the active-version predicate plus f's constraints.
func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{"v.status = $1"}
	args := []interface{}{string(VersionStatusActive)}

	add := func(column string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("e.%s = $%d", column, len(args)))
	}
	if f.ModelYear != 0 {
		add("model_year", f.ModelYear)
	}
	if f.Brand != "" {
		add("brand", f.Brand)
	}
	if f.Submodel != "" {
		add("submodel", f.Submodel)
	}
	if f.VehicleType != "" {
		add("vehicle_type", f.VehicleType)
	}
	return strings.Join(clauses, " AND "), args
}

// encodeVector renders v in the "[a,b,c]" form accepted by pgvector and
// stored as JSON by SQLite.
func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func decodeVector(raw string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v, nil
}

var _ Store = (*SQLStore)(nil)
