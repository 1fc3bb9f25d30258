package codify

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
)

func TestMatchBatch_NearDuplicatesAgree(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPipeline(t, nil)

	inputs := []VehicleInput{
		{ModelYear: 2020, Description: "TOYOTA YARIS SOL L"},
		{ModelYear: 2020, Description: "toyota  yaris sol l"},
		{ModelYear: 2020, Description: "Toyota Yaris Sol-L"},
		{ModelYear: 2020, Description: "toyota yaris yaris sol l 1HGCM82633A004352"},
	}
	items := p.MatchBatch(context.Background(), inputs, nil)
	require.Len(t, items, len(inputs))

	single, err := p.Match(context.Background(), inputs[0])
	require.NoError(t, err)

	for i, item := range items {
		require.NoError(t, item.Err)
		assert.Equal(t, i, item.Index)
		res := item.Result
		require.NotNil(t, res)
		assert.Equal(t, "toyota yaris sol l", res.Input.Description)
		assert.Equal(t, single.Decision, res.Decision)
		assert.Equal(t, single.SuggestedCode, res.SuggestedCode)
		assert.Equal(t, single.Confidence, res.Confidence)
		assert.Equal(t, single.Candidates, res.Candidates)
	}
}

func TestMatchBatch_PreservesOrderAndIsolatesErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPipeline(t, func(c *config.Config) { c.Batch.MaxConcurrency = 3 })

	var inputs []VehicleInput
	for i := 0; i < 20; i++ {
		switch i % 4 {
		case 0:
			inputs = append(inputs, VehicleInput{ModelYear: 2020, Description: "nissan versa"})
		case 1:
			inputs = append(inputs, VehicleInput{ModelYear: 2020, Description: "vw jetta"})
		case 2:
			inputs = append(inputs, VehicleInput{ModelYear: 1970, Description: "vw sedan"})
		default:
			inputs = append(inputs, VehicleInput{ModelYear: 2019, Description: fmt.Sprintf("italika ft150 serie %d", i)})
		}
	}

	var progressed atomic.Int32
	items := p.MatchBatch(context.Background(), inputs, func(BatchItem) { progressed.Add(1) })
	require.Len(t, items, len(inputs))
	assert.Equal(t, int32(len(inputs)), progressed.Load())

	for i, item := range items {
		assert.Equal(t, i, item.Index)
		if inputs[i].ModelYear == 1970 {
			assert.True(t, IsInvalidInput(item.Err))
			assert.Nil(t, item.Result)
			continue
		}
		require.NoError(t, item.Err)
		assert.Equal(t, inputs[i].ModelYear, item.Result.Input.ModelYear)
	}
	assert.Equal(t, "NIS-VER-20", *items[0].Result.SuggestedCode)
	assert.Equal(t, "VW-JET-20", *items[1].Result.SuggestedCode)
	assert.Equal(t, "ITK-FT-19", *items[3].Result.SuggestedCode)
}

func TestMatchBatch_SlowItemDoesNotAffectSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)
	slow := &slowEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDimension), trigger: "hilux"}
	p := newTestPipeline(t, func(c *config.Config) {
		c.Batch.ItemTimeout = 100 * time.Millisecond
		c.Batch.MaxConcurrency = 2
	}, withEmbedder(slow))

	inputs := []VehicleInput{
		{ModelYear: 2020, Description: "toyota yaris sol l"},
		{ModelYear: 2020, Description: "toyota hilux doble cabina sr"},
		{ModelYear: 2020, Description: "nissan versa advance"},
	}
	items := p.MatchBatch(context.Background(), inputs, nil)

	require.NoError(t, items[1].Err)
	assert.Equal(t, []Degradation{DegradationEmbeddingUnavailable}, items[1].Result.Degradations)
	assert.Equal(t, "TOY-HIL-20", items[1].Result.Candidates[0].Entry.Code)

	for _, i := range []int{0, 2} {
		require.NoError(t, items[i].Err)
		assert.Empty(t, items[i].Result.Degradations)
		assert.Equal(t, DecisionAutoAccept, items[i].Result.Decision)
	}
}

func TestMatchBatch_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := p.MatchBatch(ctx, []VehicleInput{{ModelYear: 2020, Description: "nissan versa"}, {ModelYear: 2020, Description: "vw jetta"}}, nil)
	for _, item := range items {
		assert.ErrorIs(t, item.Err, context.Canceled)
		assert.Nil(t, item.Result)
	}

	assert.Empty(t, p.MatchBatch(context.Background(), nil, nil))
}

func TestMatchRawBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPipeline(t, nil)

	items := p.MatchRawBatch(context.Background(), []RawInput{
		{"anio": "2020", "descripcion": "Volkswagen Jetta Comfortline"},
		{"anio": "2020"},
		{"texto": "Nissan Versa Advance 2020"},
	}, nil)
	require.Len(t, items, 3)

	require.NoError(t, items[0].Err)
	assert.Equal(t, "VW-JET-20", *items[0].Result.SuggestedCode)

	assert.True(t, IsInvalidInput(items[1].Err))

	require.NoError(t, items[2].Err)
	assert.Equal(t, 2020, items[2].Result.Input.ModelYear)
	assert.Equal(t, "NIS-VER-20", *items[2].Result.SuggestedCode)
}
