package codify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
)

func candidate(code string, final, filter float64) Candidate {
	return Candidate{
		Entry:       catalog.Entry{Code: code, Label: code, ModelYear: 2020},
		FinalScore:  final,
		FilterScore: filter,
	}
}

func newTestFinalizer(completer *fakeCompleter, mutate func(*config.FinalizerConfig)) *Finalizer {
	cfg := config.DefaultConfig().Finalizer
	if mutate != nil {
		mutate(&cfg)
	}
	if completer == nil {
		return NewFinalizer(cfg, 0.9, nil, nil)
	}
	return NewFinalizer(cfg, 0.9, completer, nil)
}

func branded(code, brand string, final, filter float64) Candidate {
	c := candidate(code, final, filter)
	c.Entry.Brand = brand
	return c
}

func TestFinalizer_BlendsAndReranks(t *testing.T) {
	completer := replyWith(`{"candidates":[{"code":"A","score":0.2},{"code":"B","score":1.0}],"confidence":0.77}`, nil)
	in := []Candidate{branded("A", "toyota", 0.8, 0.95), branded("B", "nissan", 0.7, 0.5)}

	out, confidence, err := newTestFinalizer(completer, nil).Finalize(context.Background(), in, "desc", fieldsOf("toyota", 1, "", 0, "", 0))
	require.NoError(t, err)
	require.Len(t, out, 2)

	// B: other brand, alpha 0.5. A: confident brand and filter score, alpha 0.2.
	assert.Equal(t, "B", out[0].Entry.Code)
	assert.InDelta(t, 0.5*0.7+0.5*1.0, out[0].FinalScore, 1e-9)
	assert.Equal(t, "A", out[1].Entry.Code)
	assert.InDelta(t, 0.8*0.8+0.2*0.2, out[1].FinalScore, 1e-9)
	require.NotNil(t, out[0].ValidatorScore)
	assert.Equal(t, 1.0, *out[0].ValidatorScore)

	require.NotNil(t, confidence)
	assert.Equal(t, 0.77, *confidence)
	assert.Equal(t, 0.8, in[0].FinalScore, "input ranking is not mutated")
}

func TestFinalizer_UnconstrainedCandidatesGetDefaultWeight(t *testing.T) {
	tests := []struct {
		name   string
		in     Candidate
		fields ExtractedFields
	}{
		{"nothing extracted", branded("A", "toyota", 0.5, 1.0), fieldsOf("", 0, "", 0, "", 0)},
		{"brand below threshold", branded("A", "toyota", 0.5, 1.0), fieldsOf("toyota", 0.85, "", 0, "", 0)},
		{"brand disagrees", branded("A", "nissan", 0.5, 1.0), fieldsOf("toyota", 1, "", 0, "", 0)},
		{"filter score below threshold", branded("A", "toyota", 0.5, 0.6), fieldsOf("toyota", 1, "hilux", 1, "", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := replyWith(`{"candidates":[{"code":"A","score":1.0}]}`, nil)
			out, _, err := newTestFinalizer(completer, nil).Finalize(context.Background(), []Candidate{tt.in}, "d", tt.fields)
			require.NoError(t, err)
			assert.InDelta(t, 0.5*0.5+0.5*1.0, out[0].FinalScore, 1e-9)
		})
	}
}

func TestFinalizer_PromptCarriesTopN(t *testing.T) {
	completer := replyWith(`{"candidates":[{"code":"A","score":0.9}]}`, nil)
	in := []Candidate{candidate("A", 0.6, 1), candidate("B", 0.5, 1), candidate("C", 0.4, 1)}

	out, confidence, err := newTestFinalizer(completer, func(c *config.FinalizerConfig) { c.TopN = 2 }).
		Finalize(context.Background(), in, "toyota yaris", fieldsOf("toyota", 1, "", 0, "", 0))
	require.NoError(t, err)

	require.Equal(t, 1, completer.Calls())
	req := completer.prompts[0]
	assert.True(t, req.JSON)
	var prompt struct {
		Description string `json:"description"`
		Candidates  []struct {
			Code string `json:"code"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal([]byte(req.User), &prompt))
	assert.Equal(t, "toyota yaris", prompt.Description)
	require.Len(t, prompt.Candidates, 2)

	assert.Nil(t, out[1].ValidatorScore, "unscored candidates keep their prior score")
	require.NotNil(t, confidence, "confidence falls back to the top validator score")
	assert.Equal(t, 0.9, *confidence)
}

func TestFinalizer_Failures(t *testing.T) {
	in := []Candidate{candidate("A", 0.8, 1), candidate("B", 0.7, 1)}

	tests := []struct {
		name          string
		completer     *fakeCompleter
		wantMalformed bool
	}{
		{"provider error", replyWith("", errors.New("timeout")), false},
		{"not json", replyWith("I would pick A", nil), true},
		{"broken json", replyWith(`{"candidates": [`, nil), true},
		{"unknown codes only", replyWith(`{"candidates":[{"code":"Z","score":1}]}`, nil), true},
		{"no scores", replyWith(`{"candidates":[{"code":"A"}]}`, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, confidence, err := newTestFinalizer(tt.completer, nil).Finalize(context.Background(), in, "d", fieldsOf("", 0, "", 0, "", 0))
			require.Error(t, err)
			assert.Equal(t, tt.wantMalformed, errors.Is(err, ErrMalformedResponse))
			assert.Nil(t, confidence)
			assert.Equal(t, in, out, "ranking is unchanged on failure")
		})
	}
}

func TestFinalizer_Skips(t *testing.T) {
	in := []Candidate{candidate("A", 0.8, 1)}

	completer := replyWith(`{}`, nil)
	out, _, err := newTestFinalizer(completer, func(c *config.FinalizerConfig) { c.SkipAbove = 0.75 }).
		Finalize(context.Background(), in, "d", fieldsOf("", 0, "", 0, "", 0))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, completer.Calls())

	f := newTestFinalizer(nil, nil)
	assert.False(t, f.Enabled())
	out, _, err = f.Finalize(context.Background(), in, "d", fieldsOf("", 0, "", 0, "", 0))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.False(t, newTestFinalizer(completer, func(c *config.FinalizerConfig) { c.Enabled = false }).Enabled())
}
