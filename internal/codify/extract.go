package codify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/fuzzy"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/llm"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/textnorm"
)

const extractionSystemPrompt = `You extract structured attributes from Mexican vehicle insurance descriptions.
Answer with a single JSON object: {"brand": string|null, "submodel": string|null, "vehicle_type": string|null, "segment": string|null, "confidence": number between 0 and 1}.
Only use values from the provided vocabularies. Use null when unsure.`

// promptListLimit caps vocabulary lists sent to the LLM.
const promptListLimit = 200

// Extractor derives brand, submodel, vehicle type and segment from a
// normalized description. It is safe for concurrent use.
type Extractor struct {
	cfg    config.ExtractionConfig
	llm    llm.Completer
	logger *observability.Logger
}

// NewExtractor creates an extractor. completer may be nil, which disables the
// LLM fallback.
func NewExtractor(cfg config.ExtractionConfig, completer llm.Completer, logger *observability.Logger) *Extractor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Extractor{
		cfg:    cfg,
		llm:    completer,
		logger: logger.WithOperation("extract"),
	}
}

// Extract runs the direct, fuzzy and keyword cascade per attribute and falls
// back to the LLM when the overall result is poor. LLM failures are reported
// as a degradation, never as an error.
func (x *Extractor) Extract(ctx context.Context, description string, vocab *Vocabulary) (ExtractedFields, []Degradation) {
	desc := NormalizeText(description)
	fields := map[Attribute]FieldConfidence{}

	_, brand := x.search(desc, vocab.termsFor(AttrBrand, ""))
	fields[AttrBrand] = brand

	if brand.Present() {
		_, fields[AttrSubmodel] = x.search(desc, vocab.termsFor(AttrSubmodel, brand.String()))
	} else {
		t, sub := x.search(desc, vocab.termsFor(AttrSubmodel, ""))
		fields[AttrSubmodel] = sub
		if sub.Present() {
			if _, owner, ok := vocab.CanonicalSubmodel("", t.canonical); ok {
				fields[AttrBrand] = newField(owner, x.cfg.KeywordConfidence, MethodKeyword)
			}
		}
	}

	for _, attr := range []Attribute{AttrVehicleType, AttrSegment} {
		_, f := x.search(desc, vocab.termsFor(attr, ""))
		if !f.Present() {
			f = x.keyword(desc, attr, vocab, fields)
		}
		fields[attr] = f
	}

	var degradations []Degradation
	current := NewExtractedFields(desc, fields)
	if x.needsLLM(current) {
		if err := x.llmFill(ctx, desc, vocab, fields); err != nil {
			x.logger.WithContext(ctx).Warn().Err(err).Msg("LLM extraction fallback failed")
			degradations = append(degradations, DegradationExtractorLLMUnavailable)
		}
		current = NewExtractedFields(desc, fields)
	}

	return current, degradations
}

// search returns the first acceptable match of terms in desc: a whole-word
// occurrence (longest term first), else the best fuzzy match above the
// configured minimum score.
func (x *Extractor) search(desc string, terms []term) (term, FieldConfidence) {
	for _, t := range terms {
		if containsPhrase(desc, t.text) {
			return t, newField(t.canonical, 1.0, MethodDirect)
		}
	}

	var best term
	bestScore := 0.0
	for _, t := range terms {
		if len([]rune(t.text)) < x.cfg.FuzzyMinTermLength {
			continue
		}
		if score := fuzzyTermScore(t.text, desc); score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore < x.cfg.FuzzyMinScore || bestScore == 0 {
		return term{}, emptyField()
	}
	return best, newField(best.canonical, x.fuzzyConfidence(bestScore), MethodFuzzy)
}

// fuzzyTermScore is the best of the token-aligned partial ratio and the
// token sort ratio of a vocabulary term against the description.
func fuzzyTermScore(t, desc string) float64 {
	score := fuzzy.TokenPartialRatio(t, desc)
	if ts := fuzzy.TokenSortRatio(t, desc); ts > score {
		score = ts
	}
	return score
}

func (x *Extractor) fuzzyConfidence(score float64) float64 {
	lo, hi := x.cfg.FuzzyConfidenceMin, x.cfg.FuzzyConfidenceMax
	c := lo + (hi-lo)*score
	if c < lo {
		c = lo
	}
	if c > hi {
		c = hi
	}
	return c
}

// keyword infers vehicle type or segment from the submodel's catalog profile,
// then from indicator tokens in the description.
func (x *Extractor) keyword(desc string, attr Attribute, vocab *Vocabulary, fields map[Attribute]FieldConfidence) FieldConfidence {
	brand, sub := fields[AttrBrand], fields[AttrSubmodel]
	if brand.Present() && sub.Present() {
		if p, ok := vocab.Profile(brand.String(), sub.String()); ok {
			value := p.VehicleType
			if attr == AttrSegment {
				value = p.Segment
			}
			if value != "" {
				return newField(value, x.cfg.KeywordConfidence, MethodKeyword)
			}
		}
	}

	hints, index := vocab.hintsFor(attr)
	for _, h := range hints {
		if !h.pattern.MatchString(desc) {
			continue
		}
		if canonical, ok := index[h.value]; ok {
			return newField(canonical, x.cfg.KeywordConfidence, MethodKeyword)
		}
	}
	return emptyField()
}

func (x *Extractor) needsLLM(fields ExtractedFields) bool {
	if !x.cfg.LLMFallback || x.llm == nil {
		return false
	}
	return !fields.Brand().Present() || fields.MeanConfidence() < x.cfg.LLMFallbackBelow
}

type extractionPrompt struct {
	Description  string   `json:"description"`
	Brands       []string `json:"brands"`
	Submodels    []string `json:"submodels,omitempty"`
	VehicleTypes []string `json:"vehicle_types"`
	Segments     []string `json:"segments"`
}

type extractionReply struct {
	Brand       *string  `json:"brand"`
	Submodel    *string  `json:"submodel"`
	VehicleType *string  `json:"vehicle_type"`
	Segment     *string  `json:"segment"`
	Confidence  *float64 `json:"confidence"`
}

// llmFill asks the LLM for the attributes and overwrites only fields the
// cascade left empty or scored lower than the LLM band.
func (x *Extractor) llmFill(ctx context.Context, desc string, vocab *Vocabulary, fields map[Attribute]FieldConfidence) error {
	prompt := extractionPrompt{
		Description:  desc,
		Brands:       capList(vocab.Brands()),
		VehicleTypes: vocab.VehicleTypes(),
		Segments:     vocab.Segments(),
	}
	if b := fields[AttrBrand]; b.Present() {
		prompt.Submodels = capList(canonicalValues(vocab.termsFor(AttrSubmodel, b.String())))
	}
	user, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	text, err := x.llm.Complete(ctx, llm.CompletionRequest{
		System: extractionSystemPrompt,
		User:   string(user),
		JSON:   true,
	})
	if err != nil {
		return &ExternalServiceError{Service: "llm", Op: "extract", Err: err}
	}

	var reply extractionReply
	if err := json.Unmarshal([]byte(llm.ExtractJSONObject(text)), &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	c := 0.0
	if reply.Confidence != nil {
		c = clamp01(*reply.Confidence)
	}
	conf := x.cfg.LLMConfidenceMin + (x.cfg.LLMConfidenceMax-x.cfg.LLMConfidenceMin)*c

	fill := func(attr Attribute, value string, ok bool) {
		if ok && value != "" && fields[attr].Confidence < conf {
			fields[attr] = newField(value, conf, MethodLLM)
		}
	}

	if reply.Brand != nil {
		v, ok := vocab.CanonicalBrand(textnorm.Fold(*reply.Brand))
		fill(AttrBrand, v, ok)
	}
	if reply.Submodel != nil {
		brand := fields[AttrBrand].String()
		v, owner, ok := vocab.CanonicalSubmodel(brand, textnorm.Fold(*reply.Submodel))
		if ok && brand == "" {
			fill(AttrBrand, owner, true)
		}
		fill(AttrSubmodel, v, ok)
	}
	if reply.VehicleType != nil {
		v, ok := vocab.CanonicalVehicleType(textnorm.Fold(*reply.VehicleType))
		fill(AttrVehicleType, v, ok)
	}
	if reply.Segment != nil {
		v, ok := vocab.CanonicalSegment(textnorm.Fold(*reply.Segment))
		fill(AttrSegment, v, ok)
	}
	return nil
}

func capList(values []string) []string {
	if len(values) > promptListLimit {
		return values[:promptListLimit]
	}
	return values
}
