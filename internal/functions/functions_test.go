package functions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

func TestParseDefaultsToAvg(t *testing.T) {
	fns, err := Parse(nil, "")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, schema.KindAvg, fns[0].Kind)
}

func TestParseUnknownFunction(t *testing.T) {
	_, err := Parse([]string{"bogus"}, "")
	assert.Error(t, err)
}

func TestParseSMAMissingWindowIsDropped(t *testing.T) {
	fns, err := Parse([]string{"avg", "sma"}, "")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, schema.KindAvg, fns[0].Kind)
}

func TestParseSMAInvalidWindowIsDropped(t *testing.T) {
	fns, err := Parse([]string{"sma"}, "not-a-duration")
	require.NoError(t, err)
	assert.Len(t, fns, 0)
}

func TestParseOrdersByKind(t *testing.T) {
	fns, err := Parse([]string{"avg", "min", "max", "count", "sma"}, "10m")
	require.NoError(t, err)
	require.Len(t, fns, 5)
	kinds := make([]schema.Kind, len(fns))
	for i, f := range fns {
		kinds[i] = f.Kind
	}
	assert.Equal(t, []schema.Kind{
		schema.KindCount, schema.KindMax, schema.KindAvg, schema.KindMin, schema.KindSMA,
	}, kinds)
}

func aggAt(ts time.Time, mean, min, max float64, count int64) schema.TimeAggregate {
	return schema.TimeAggregate{
		Timestamp: ts,
		Mean:      mean,
		Minimum:   min,
		Maximum:   max,
		Count:     count,
	}
}

func TestTransformAvgEmptyIntervalsAreNull(t *testing.T) {
	base := time.Unix(0, 0)
	resp := &schema.HistoryResponse{
		Mode: schema.ModeAggregates,
		Aggregates: []schema.TimeAggregate{
			aggAt(base, 1, 0, 2, 1),
			aggAt(base.Add(time.Minute), 0, 0, 0, 0),
		},
	}
	points := Transform(schema.Function{Kind: schema.KindAvg}, resp)
	require.Len(t, points, 2)
	assert.True(t, points[0].Valid)
	assert.Equal(t, 1.0, points[0].Value)
	assert.False(t, points[1].Valid)
}

func TestTransformCount(t *testing.T) {
	base := time.Unix(0, 0)
	resp := &schema.HistoryResponse{
		Mode: schema.ModeAggregates,
		Aggregates: []schema.TimeAggregate{
			aggAt(base, 1, 1, 1, 5),
		},
	}
	points := Transform(schema.Function{Kind: schema.KindCount}, resp)
	require.Len(t, points, 1)
	assert.Equal(t, 5.0, points[0].Value)
}

func TestTransformRawOnlyAppliesToValuesMode(t *testing.T) {
	resp := &schema.HistoryResponse{Mode: schema.ModeAggregates}
	assert.Nil(t, Transform(schema.Function{Kind: schema.KindRaw}, resp))

	base := time.Unix(0, 0)
	resp2 := &schema.HistoryResponse{
		Mode: schema.ModeValues,
		Values: []schema.RawPoint{
			{Timestamp: base, Value: 4.2},
		},
	}
	points := Transform(schema.Function{Kind: schema.KindRaw}, resp2)
	require.Len(t, points, 1)
	assert.Equal(t, 4.2, points[0].Value)
}

// constantAggregates builds a run of evenly spaced intervals, each carrying
// a constant value v, matching the spec's invariant that a moving average
// over a constant stream reproduces that same constant.
func constantAggregates(n int, step time.Duration, v float64) []schema.TimeAggregate {
	base := time.Unix(1_700_000_000, 0)
	aggs := make([]schema.TimeAggregate, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * step)
		aggs[i] = schema.TimeAggregate{
			Timestamp:  ts,
			Mean:       v,
			Count:      1,
			IntegralNs: v * float64(step.Nanoseconds()),
			ActiveTime: step,
		}
	}
	return aggs
}

func TestMovingAverageConstantStreamReproducesConstant(t *testing.T) {
	step := time.Minute
	resp := &schema.HistoryResponse{
		Mode:       schema.ModeAggregates,
		Aggregates: constantAggregates(20, step, 3.0),
	}
	points := Transform(schema.Function{Kind: schema.KindSMA, Interval: 5 * time.Minute}, resp)
	require.NotEmpty(t, points)
	for _, p := range points {
		if p.Valid {
			assert.InDelta(t, 3.0, p.Value, 1e-9)
		}
	}
}

func TestMovingAverageEmptyInput(t *testing.T) {
	resp := &schema.HistoryResponse{Mode: schema.ModeAggregates}
	assert.Nil(t, Transform(schema.Function{Kind: schema.KindSMA, Interval: time.Minute}, resp))
}

func TestMovingAverageSingleSampleYieldsNoPoints(t *testing.T) {
	resp := &schema.HistoryResponse{
		Mode:       schema.ModeAggregates,
		Aggregates: constantAggregates(1, time.Minute, 1.0),
	}
	points := Transform(schema.Function{Kind: schema.KindSMA, Interval: 5 * time.Minute}, resp)
	assert.Empty(t, points)
}
