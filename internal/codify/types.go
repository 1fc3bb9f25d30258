// Package codify resolves free-text vehicle descriptions to catalog codes.
//
// A match runs Preprocessor, FieldExtractor, CandidateFilter, CandidateMatcher,
// the optional Finalizer and the DecisionEngine in sequence. Every stage past
// preprocessing degrades instead of failing, so callers only ever see an
// InvalidInputError or a MatchResult.
package codify

import (
	"encoding/json"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
)

// VehicleInput is a normalized match request.
type VehicleInput struct {
	ModelYear   int    `json:"model_year"`
	Description string `json:"description"`
}

// RawInput is a loosely shaped record (a spreadsheet row, a JSON object)
// whose year and description fields still have to be detected.
type RawInput map[string]any

// Method records which extraction stage produced a value.
type Method string

const (
	MethodNone    Method = "none"
	MethodDirect  Method = "direct"
	MethodFuzzy   Method = "fuzzy"
	MethodKeyword Method = "keyword"
	MethodLLM     Method = "llm"
)

// Attribute names an extracted vehicle attribute.
type Attribute string

const (
	AttrBrand       Attribute = "brand"
	AttrSubmodel    Attribute = "submodel"
	AttrVehicleType Attribute = "vehicle_type"
	AttrSegment     Attribute = "segment"
)

// Attributes lists every extracted attribute in cascade order.
var Attributes = []Attribute{AttrBrand, AttrSubmodel, AttrVehicleType, AttrSegment}

// FieldConfidence is one extracted attribute value and how sure we are of it.
type FieldConfidence struct {
	Value      *string `json:"value"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
}

func newField(value string, confidence float64, method Method) FieldConfidence {
	return FieldConfidence{Value: &value, Confidence: clamp01(confidence), Method: method}
}

func emptyField() FieldConfidence {
	return FieldConfidence{Method: MethodNone}
}

// Present reports whether a value was extracted.
func (f FieldConfidence) Present() bool {
	return f.Value != nil && *f.Value != ""
}

// String returns the value or "".
func (f FieldConfidence) String() string {
	if f.Value == nil {
		return ""
	}
	return *f.Value
}

func (f FieldConfidence) clone() FieldConfidence {
	if f.Value != nil {
		v := *f.Value
		f.Value = &v
	}
	return f
}

// ExtractedFields holds the per-attribute extraction of one description.
// It is immutable once built; accessors hand out copies.
type ExtractedFields struct {
	fields           map[Attribute]FieldConfidence
	cleanDescription string
}

// NewExtractedFields builds an ExtractedFields. Missing attributes are
// recorded as empty with method none.
func NewExtractedFields(cleanDescription string, fields map[Attribute]FieldConfidence) ExtractedFields {
	out := ExtractedFields{
		fields:           make(map[Attribute]FieldConfidence, len(Attributes)),
		cleanDescription: cleanDescription,
	}
	for _, attr := range Attributes {
		f, ok := fields[attr]
		if !ok || !f.Present() {
			f = emptyField()
		}
		out.fields[attr] = f.clone()
	}
	return out
}

// Field returns a copy of one attribute.
func (e ExtractedFields) Field(attr Attribute) FieldConfidence {
	f, ok := e.fields[attr]
	if !ok {
		return emptyField()
	}
	return f.clone()
}

func (e ExtractedFields) Brand() FieldConfidence       { return e.Field(AttrBrand) }
func (e ExtractedFields) Submodel() FieldConfidence    { return e.Field(AttrSubmodel) }
func (e ExtractedFields) VehicleType() FieldConfidence { return e.Field(AttrVehicleType) }
func (e ExtractedFields) Segment() FieldConfidence     { return e.Field(AttrSegment) }

// CleanDescription returns the normalized description the fields came from.
func (e ExtractedFields) CleanDescription() string { return e.cleanDescription }

// SubmodelFilterable reports whether the submodel may exclude candidates.
// Only an exact brand match makes the submodel trustworthy enough to filter on.
func (e ExtractedFields) SubmodelFilterable() bool {
	b := e.Brand()
	return b.Present() && b.Confidence == 1.0
}

// MeanConfidence averages the confidence of all attributes, missing ones as 0.
func (e ExtractedFields) MeanConfidence() float64 {
	var sum float64
	for _, attr := range Attributes {
		sum += e.Field(attr).Confidence
	}
	return sum / float64(len(Attributes))
}

// MarshalJSON renders the fields as an attribute keyed object.
func (e ExtractedFields) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(Attributes)+1)
	for _, attr := range Attributes {
		out[string(attr)] = e.Field(attr)
	}
	out["clean_description"] = e.cleanDescription
	return json.Marshal(out)
}

// Candidate is a scored catalog entry. Entry embeddings are not carried.
type Candidate struct {
	Entry          catalog.Entry `json:"entry"`
	FuzzyScore     float64       `json:"fuzzy_score"`
	EmbeddingScore float64       `json:"embedding_score"`
	FilterScore    float64       `json:"filter_score"`
	FinalScore     float64       `json:"final_score"`
	ValidatorScore *float64      `json:"validator_score,omitempty"`
}

// Decision is the terminal verdict of a match.
type Decision string

const (
	DecisionAutoAccept  Decision = "auto_accept"
	DecisionNeedsReview Decision = "needs_review"
	DecisionNoMatch     Decision = "no_match"
)

// Degradation names a fallback the pipeline took.
type Degradation string

const (
	DegradationEmbeddingUnavailable    Degradation = "embedding_unavailable"
	DegradationLLMUnavailable          Degradation = "llm_unavailable"
	DegradationLLMMalformed            Degradation = "llm_malformed"
	DegradationCacheMiss               Degradation = "cache_miss"
	DegradationCatalogEmpty            Degradation = "catalog_empty"
	DegradationCatalogUnavailable      Degradation = "catalog_unavailable"
	DegradationExtractorLLMUnavailable Degradation = "extractor_llm_unavailable"
)

// MatchResult is the terminal output of one match.
type MatchResult struct {
	RequestID           string          `json:"request_id"`
	Input               VehicleInput    `json:"input"`
	Decision            Decision        `json:"decision"`
	Confidence          float64         `json:"confidence"`
	SuggestedCode       *string         `json:"suggested_code"`
	Candidates          []Candidate     `json:"candidates"`
	ExtractedFields     ExtractedFields `json:"extracted_fields"`
	Degradations        []Degradation   `json:"degradations,omitempty"`
	ValidatorConfidence *float64        `json:"validator_confidence,omitempty"`
	CatalogVersion      string          `json:"catalog_version,omitempty"`
	RelaxationLevel     Level           `json:"relaxation_level,omitempty"`
}

// Degraded reports whether the result carries reason.
func (r MatchResult) Degraded(reason Degradation) bool {
	for _, d := range r.Degradations {
		if d == reason {
			return true
		}
	}
	return false
}

// BatchItem is the outcome of one batch input, at the input's index.
type BatchItem struct {
	Index  int          `json:"index"`
	Result *MatchResult `json:"result,omitempty"`
	Err    error        `json:"-"`
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
