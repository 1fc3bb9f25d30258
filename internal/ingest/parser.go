// Package ingest loads catalog versions and batch match inputs from CSV and
// JSON Lines files.
package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/codify"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/textnorm"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ErrUnknownFormat is returned when a format cannot be detected.
var ErrUnknownFormat = errors.New("unknown file format")

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSONL:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, s)
	}
}

// Severity levels for parse problems.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ParseError represents a parsing error or warning. Rows with an error are
// skipped; warnings keep the row.
type ParseError struct {
	Line     int    `json:"line"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ParsedCatalog is the result of parsing a catalog file.
type ParsedCatalog struct {
	Entries []catalog.Entry
	Errors  []ParseError
}

// HasErrors reports whether any row was rejected.
func (p *ParsedCatalog) HasErrors() bool {
	for _, e := range p.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Parser reads catalog and batch input files.
type Parser struct {
	columnAliases map[string]string
	now           func() time.Time
}

// NewParser creates a new parser.
func NewParser() *Parser {
	return &Parser{
		columnAliases: defaultColumnAliases(),
		now:           time.Now,
	}
}

// defaultColumnAliases maps folded header names onto entry fields. Source
// catalogs arrive with Spanish or English headers.
func defaultColumnAliases() map[string]string {
	aliases := map[string][]string{
		"code":         {"code", "clave", "codigo", "cve", "clave_vehicular", "cvegs"},
		"brand":        {"brand", "marca", "make"},
		"submodel":     {"submodel", "submarca", "sub_brand", "linea"},
		"vehicle_type": {"vehicle_type", "tipo", "tipo_vehiculo", "type"},
		"segment":      {"segment", "segmento", "clase"},
		"model_year":   {"model_year", "year", "anio", "ano", "modelo_ano"},
		"label":        {"label", "descripcion", "description", "version", "nombre"},
		"embedding":    {"embedding", "vector"},
	}
	out := make(map[string]string)
	for field, names := range aliases {
		for _, n := range names {
			out[n] = field
		}
	}
	return out
}

// ParseCatalog reads catalog entries. Header names are matched through
// column aliases; unknown columns are ignored.
func (p *Parser) ParseCatalog(r io.Reader, format Format) (*ParsedCatalog, error) {
	records, err := p.readRecords(r, format)
	if err != nil {
		return nil, err
	}

	result := &ParsedCatalog{}
	seen := make(map[catalog.EntryKey]int)
	for _, rec := range records {
		fields := make(map[string]any, len(rec.fields))
		for k, v := range rec.fields {
			if field, ok := p.columnAliases[normalizeHeader(k)]; ok {
				fields[field] = v
			}
		}
		entry, problems := p.entryFromFields(rec.line, fields)
		result.Errors = append(result.Errors, problems...)
		if hasError(problems) {
			continue
		}
		if first, dup := seen[entry.Key()]; dup {
			result.Errors = append(result.Errors, ParseError{
				Line:     rec.line,
				Field:    "code",
				Message:  fmt.Sprintf("duplicate %s/%d, first seen at line %d", entry.Code, entry.ModelYear, first),
				Severity: SeverityError,
			})
			continue
		}
		seen[entry.Key()] = rec.line
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// ParseInputs reads batch match inputs. Keys are passed through untouched;
// year and description detection happens in codify.Preprocessor.
func (p *Parser) ParseInputs(r io.Reader, format Format) ([]codify.RawInput, error) {
	records, err := p.readRecords(r, format)
	if err != nil {
		return nil, err
	}
	out := make([]codify.RawInput, len(records))
	for i, rec := range records {
		out[i] = codify.RawInput(rec.fields)
	}
	return out, nil
}

type record struct {
	line   int
	fields map[string]any
}

func (p *Parser) readRecords(r io.Reader, format Format) ([]record, error) {
	switch format {
	case FormatCSV:
		return readCSV(r)
	case FormatJSONL:
		return readJSONL(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func readCSV(r io.Reader) ([]record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var out []record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		fields := make(map[string]any, len(header))
		empty := true
		for i, name := range header {
			if i >= len(row) {
				break
			}
			v := strings.TrimSpace(row[i])
			if v != "" {
				empty = false
			}
			fields[strings.TrimSpace(name)] = v
		}
		if empty {
			continue
		}
		out = append(out, record{line: line, fields: fields})
	}
	return out, nil
}

func readJSONL(r io.Reader) ([]record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			return nil, fmt.Errorf("line %d: decode json: %w", line, err)
		}
		out = append(out, record{line: line, fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

func (p *Parser) entryFromFields(line int, fields map[string]any) (catalog.Entry, []ParseError) {
	var problems []ParseError
	fail := func(field, msg string) {
		problems = append(problems, ParseError{Line: line, Field: field, Message: msg, Severity: SeverityError})
	}
	warn := func(field, msg string) {
		problems = append(problems, ParseError{Line: line, Field: field, Message: msg, Severity: SeverityWarning})
	}

	entry := catalog.Entry{
		Code:        stringField(fields, "code"),
		Brand:       stringField(fields, "brand"),
		Submodel:    stringField(fields, "submodel"),
		VehicleType: stringField(fields, "vehicle_type"),
		Segment:     stringField(fields, "segment"),
		Label:       stringField(fields, "label"),
	}

	if entry.Code == "" {
		fail("code", "missing")
	}
	if entry.Brand == "" {
		fail("brand", "missing")
	}

	year, err := parseYear(fields["model_year"])
	maxYear := p.now().Year() + codify.MaxYearsAhead
	switch {
	case err != nil:
		fail("model_year", err.Error())
	case year < codify.MinModelYear || year > maxYear:
		fail("model_year", fmt.Sprintf("%d outside [%d, %d]", year, codify.MinModelYear, maxYear))
	default:
		entry.ModelYear = year
	}

	if entry.VehicleType == "" {
		warn("vehicle_type", "missing")
	}
	if entry.Label == "" && entry.Submodel == "" {
		warn("label", "missing, derived from brand only")
	}

	vec, err := parseEmbedding(fields["embedding"])
	if err != nil {
		warn("embedding", err.Error()+", will be recomputed")
	} else {
		entry.Embedding = vec
	}

	return entry, problems
}

func hasError(problems []ParseError) bool {
	for _, p := range problems {
		if p.Severity == SeverityError {
			return true
		}
	}
	return false
}

func normalizeHeader(k string) string {
	return strings.Join(strings.Fields(textnorm.Fold(k)), "_")
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func parseYear(v any) (int, error) {
	switch y := v.(type) {
	case nil:
		return 0, errors.New("missing")
	case float64:
		if y != float64(int(y)) {
			return 0, fmt.Errorf("not an integer: %v", y)
		}
		return int(y), nil
	case string:
		s := strings.TrimSpace(y)
		if s == "" {
			return 0, errors.New("missing")
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("not a year: %q", s)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// parseEmbedding accepts a JSON array, either decoded (JSONL) or as text (CSV).
func parseEmbedding(v any) ([]float32, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		var out []float32
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid vector: %v", err)
		}
		return out, nil
	case []any:
		out := make([]float32, len(raw))
		for i, x := range raw {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("invalid vector component %d", i)
			}
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported vector type %T", v)
	}
}
