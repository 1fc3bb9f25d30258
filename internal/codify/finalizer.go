package codify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/llm"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

const validationSystemPrompt = `You validate vehicle catalog matches for insurance codification.
Given a vehicle description, its extracted attributes and candidate catalog entries, rate how well each candidate describes the vehicle.
Answer with a single JSON object: {"candidates": [{"code": string, "score": number between 0 and 1}], "confidence": number between 0 and 1}.`

// Finalizer reranks the top candidates with an LLM validator and blends its
// scores conservatively with the prior ranking.
type Finalizer struct {
	cfg            config.FinalizerConfig
	highConfidence float64
	llm            llm.Completer
	logger         *observability.Logger
}

// NewFinalizer creates a finalizer. highConfidence is the threshold a
// candidate's brand extraction and filter score must both clear for it to keep
// most of its prior weight. completer may be nil, which disables the stage.
func NewFinalizer(cfg config.FinalizerConfig, highConfidence float64, completer llm.Completer, logger *observability.Logger) *Finalizer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Finalizer{
		cfg:            cfg,
		highConfidence: highConfidence,
		llm:            completer,
		logger:         logger.WithOperation("finalize"),
	}
}

// Enabled reports whether the stage will call the LLM at all.
func (f *Finalizer) Enabled() bool {
	return f.cfg.Enabled && f.llm != nil
}

type validationCandidate struct {
	Code        string  `json:"code"`
	Label       string  `json:"label"`
	Brand       string  `json:"brand"`
	Submodel    string  `json:"submodel"`
	VehicleType string  `json:"vehicle_type"`
	Segment     string  `json:"segment"`
	ModelYear   int     `json:"model_year"`
	Score       float64 `json:"prior_score"`
}

type validationPrompt struct {
	Description string                `json:"description"`
	Extracted   ExtractedFields       `json:"extracted_fields"`
	Candidates  []validationCandidate `json:"candidates"`
}

type validationReply struct {
	Candidates []struct {
		Code  string   `json:"code"`
		Score *float64 `json:"score"`
	} `json:"candidates"`
	Confidence *float64 `json:"confidence"`
}

// Finalize returns the reranked candidates and the validator confidence. On
// any error the input ranking is returned unchanged together with the error,
// which wraps ErrMalformedResponse when the reply was unusable. A disabled
// stage returns the input with no error.
func (f *Finalizer) Finalize(ctx context.Context, candidates []Candidate, description string, fields ExtractedFields) ([]Candidate, *float64, error) {
	if !f.Enabled() || len(candidates) == 0 {
		return candidates, nil, nil
	}
	if candidates[0].FinalScore >= f.cfg.SkipAbove {
		return candidates, nil, nil
	}

	topN := f.cfg.TopN
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	prompt := validationPrompt{Description: description, Extracted: fields}
	for _, c := range candidates[:topN] {
		prompt.Candidates = append(prompt.Candidates, validationCandidate{
			Code:        c.Entry.Code,
			Label:       c.Entry.Label,
			Brand:       c.Entry.Brand,
			Submodel:    c.Entry.Submodel,
			VehicleType: c.Entry.VehicleType,
			Segment:     c.Entry.Segment,
			ModelYear:   c.Entry.ModelYear,
			Score:       c.FinalScore,
		})
	}
	user, err := json.Marshal(prompt)
	if err != nil {
		return candidates, nil, fmt.Errorf("marshal prompt: %w", err)
	}

	text, err := f.llm.Complete(ctx, llm.CompletionRequest{
		System: validationSystemPrompt,
		User:   string(user),
		JSON:   true,
	})
	if err != nil {
		return candidates, nil, &ExternalServiceError{Service: "llm", Op: "validate", Err: err}
	}

	var reply validationReply
	if err := json.Unmarshal([]byte(llm.ExtractJSONObject(text)), &reply); err != nil {
		return candidates, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	scores := make(map[string]float64, len(reply.Candidates))
	for _, rc := range reply.Candidates {
		if rc.Score == nil {
			continue
		}
		scores[rc.Code] = clamp01(*rc.Score)
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	scored := 0
	for i := range out[:topN] {
		v, ok := scores[out[i].Entry.Code]
		if !ok {
			continue
		}
		scored++
		alpha := f.cfg.DefaultLLMWeight
		if f.protected(out[i], fields) {
			alpha = f.cfg.HighConfidenceLLMWeight
		}
		validator := v
		out[i].ValidatorScore = &validator
		out[i].FinalScore = clamp01((1-alpha)*out[i].FinalScore + alpha*v)
	}
	if scored == 0 {
		return candidates, nil, fmt.Errorf("%w: no known candidate codes scored", ErrMalformedResponse)
	}
	SortCandidates(out)

	var confidence *float64
	if reply.Confidence != nil {
		c := clamp01(*reply.Confidence)
		confidence = &c
	} else if out[0].ValidatorScore != nil {
		c := *out[0].ValidatorScore
		confidence = &c
	}

	f.logger.WithContext(ctx).Debug().
		Int("scored", scored).
		Str("top_code", out[0].Entry.Code).
		Msg("Candidates validated")

	return out, confidence, nil
}

// protected reports whether c matched a brand confident enough to have
// constrained the catalog query and agrees with the extraction overall. Only
// such candidates get the smaller validator weight.
func (f *Finalizer) protected(c Candidate, fields ExtractedFields) bool {
	b := fields.Brand()
	if !b.Present() || b.Confidence < f.highConfidence || b.String() != c.Entry.Brand {
		return false
	}
	return c.FilterScore >= f.highConfidence
}
