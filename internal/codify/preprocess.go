package codify

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/textnorm"
)

const (
	// MinModelYear is the oldest model year accepted.
	MinModelYear = 1980
	// MaxYearsAhead bounds model years relative to the current year.
	MaxYearsAhead = 5
)

var (
	// vinPattern matches a 17 character VIN: digits and letters except I, O and Q.
	vinPattern = regexp.MustCompile(`(?i)\b[A-HJ-NPR-Z0-9]{17}\b`)
	yearToken  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// Keys are compared after normalizeKey, so "Año" and "ano" are the same alias.
var (
	yearAliases        = []string{"model_year", "year", "anio", "ano", "modelo", "model"}
	descriptionAliases = []string{"description", "descripcion", "desc", "vehiculo", "vehicle", "texto"}
)

// Preprocessor validates and normalizes match input. It holds no state other
// than its clock and is safe for concurrent use.
type Preprocessor struct {
	now func() time.Time
}

// NewPreprocessor creates a preprocessor. now defaults to time.Now.
func NewPreprocessor(now func() time.Time) *Preprocessor {
	if now == nil {
		now = time.Now
	}
	return &Preprocessor{now: now}
}

// Preprocess detects the year and description fields of raw and normalizes
// them. Without a year field the first plausible year in the description is
// used.
func (p *Preprocessor) Preprocess(raw RawInput) (VehicleInput, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[normalizeKey(k)] = v
	}

	desc, ok := lookupString(fields, descriptionAliases)
	if !ok {
		return VehicleInput{}, &InvalidInputError{Field: "description", Reason: "no description field"}
	}

	year, found, err := lookupYear(fields)
	if err != nil {
		return VehicleInput{}, err
	}
	if !found {
		year, found = p.yearFromText(desc)
		if !found {
			return VehicleInput{}, &InvalidInputError{Field: "model_year", Reason: "no model year field"}
		}
	}

	return p.Normalize(VehicleInput{ModelYear: year, Description: desc})
}

// Normalize validates in and returns it with a normalized description.
// Normalizing an already normalized input is a no-op.
func (p *Preprocessor) Normalize(in VehicleInput) (VehicleInput, error) {
	maxYear := p.now().Year() + MaxYearsAhead
	if in.ModelYear < MinModelYear || in.ModelYear > maxYear {
		return VehicleInput{}, &InvalidInputError{
			Field:  "model_year",
			Reason: fmt.Sprintf("%d outside [%d, %d]", in.ModelYear, MinModelYear, maxYear),
		}
	}

	desc := NormalizeText(in.Description)
	if desc == "" {
		return VehicleInput{}, &InvalidInputError{Field: "description", Reason: "empty after normalization"}
	}
	return VehicleInput{ModelYear: in.ModelYear, Description: desc}, nil
}

// NormalizeText folds s to lower-case ASCII tokens, strips VINs and
// collapses immediately repeated tokens. VINs are matched after folding,
// where word boundaries are ASCII only.
func NormalizeText(s string) string {
	s = textnorm.Fold(s)
	s = StripVIN(s)
	return collapseRepeats(s)
}

// StripVIN removes every VIN-like token from s.
func StripVIN(s string) string {
	return vinPattern.ReplaceAllString(s, " ")
}

func collapseRepeats(s string) string {
	tokens := strings.Fields(s)
	out := tokens[:0]
	for i, tok := range tokens {
		if i > 0 && tok == tokens[i-1] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

func (p *Preprocessor) yearFromText(s string) (int, bool) {
	maxYear := p.now().Year() + MaxYearsAhead
	for _, m := range yearToken.FindAllString(StripVIN(textnorm.Fold(s)), -1) {
		y, err := strconv.Atoi(m)
		if err == nil && y >= MinModelYear && y <= maxYear {
			return y, true
		}
	}
	return 0, false
}

func normalizeKey(k string) string {
	return strings.Join(strings.Fields(textnorm.Fold(k)), "_")
}

func lookupString(fields map[string]any, aliases []string) (string, bool) {
	for _, alias := range aliases {
		v, ok := fields[alias]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s, true
		}
	}
	return "", false
}

func lookupYear(fields map[string]any) (int, bool, error) {
	for _, alias := range yearAliases {
		v, ok := fields[alias]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		year, err := parseYear(v)
		if err != nil {
			return 0, false, &InvalidInputError{Field: "model_year", Reason: err.Error()}
		}
		return year, true, nil
	}
	return 0, false, nil
}

func parseYear(v any) (int, error) {
	switch y := v.(type) {
	case int:
		return y, nil
	case int32:
		return int(y), nil
	case int64:
		return int(y), nil
	case float32:
		return wholeYear(float64(y))
	case float64:
		return wholeYear(y)
	case json.Number:
		f, err := y.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", y.String())
		}
		return wholeYear(f)
	case string:
		s := strings.TrimSpace(y)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		return wholeYear(f)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func wholeYear(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not a whole year: %v", f)
	}
	return int(f), nil
}
