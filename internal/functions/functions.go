// Package functions implements the aggregate/windowing transforms a
// Target can request: Avg, Min, Max, Count, Raw and the time-weighted
// MovingAverage. Each is a pure rewriter from a schema.HistoryResponse to
// an ordered list of (timestamp, value) points; none of them ever returns
// an error — an empty or zero-count interval is represented by a point
// with Valid == false (null), never by a panic or an error return.
package functions

import (
	"fmt"
	"sort"
	"time"

	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// Parse builds the ordered Function list for an object-form target's
// requested function names. An empty names list defaults to ["avg"].
// smaWindow is the raw string from target.smaWindow / target.sma_window
// (possibly empty); a missing or unparsable window silently drops the
// "sma" entry rather than erroring, per spec.
func Parse(names []string, smaWindow string) ([]schema.Function, error) {
	if len(names) == 0 {
		names = []string{"avg"}
	}

	fns := make([]schema.Function, 0, len(names))
	for _, name := range names {
		switch name {
		case "avg":
			fns = append(fns, schema.Function{Kind: schema.KindAvg})
		case "min":
			fns = append(fns, schema.Function{Kind: schema.KindMin})
		case "max":
			fns = append(fns, schema.Function{Kind: schema.KindMax})
		case "count":
			fns = append(fns, schema.Function{Kind: schema.KindCount})
		case "sma":
			window, err := time.ParseDuration(smaWindow)
			if err != nil {
				// Missing/invalid window: silently dropped, not an error.
				continue
			}
			fns = append(fns, schema.Function{Kind: schema.KindSMA, Interval: window})
		default:
			return nil, fmt.Errorf("Unknown function '%s' requested", name)
		}
	}

	sort.Stable(schema.ByOrder(fns))
	return fns, nil
}

// Transform dispatches to the implementation for f.Kind and returns the
// ordered (timestamp, value) points it yields for resp.
func Transform(f schema.Function, resp *schema.HistoryResponse) []schema.DataPoint {
	switch f.Kind {
	case schema.KindAvg:
		return transformAggregate(resp, func(a schema.TimeAggregate) float64 { return a.Mean })
	case schema.KindMin:
		return transformAggregate(resp, func(a schema.TimeAggregate) float64 { return a.Minimum })
	case schema.KindMax:
		return transformAggregate(resp, func(a schema.TimeAggregate) float64 { return a.Maximum })
	case schema.KindCount:
		return transformCount(resp)
	case schema.KindRaw:
		return transformRaw(resp)
	case schema.KindSMA:
		return transformMovingAverage(resp, f.Interval)
	default:
		return nil
	}
}

func transformAggregate(resp *schema.HistoryResponse, pick func(schema.TimeAggregate) float64) []schema.DataPoint {
	if resp == nil || resp.Mode != schema.ModeAggregates {
		return nil
	}
	points := make([]schema.DataPoint, 0, len(resp.Aggregates))
	for _, a := range resp.Aggregates {
		if a.Count > 0 {
			points = append(points, schema.DataPoint{Timestamp: a.Timestamp, Value: pick(a), Valid: true})
		} else {
			points = append(points, schema.DataPoint{Timestamp: a.Timestamp, Valid: false})
		}
	}
	return points
}

func transformCount(resp *schema.HistoryResponse) []schema.DataPoint {
	if resp == nil || resp.Mode != schema.ModeAggregates {
		return nil
	}
	points := make([]schema.DataPoint, 0, len(resp.Aggregates))
	for _, a := range resp.Aggregates {
		if a.Count > 0 {
			points = append(points, schema.DataPoint{Timestamp: a.Timestamp, Value: float64(a.Count), Valid: true})
		} else {
			points = append(points, schema.DataPoint{Timestamp: a.Timestamp, Valid: false})
		}
	}
	return points
}

func transformRaw(resp *schema.HistoryResponse) []schema.DataPoint {
	if resp == nil || resp.Mode != schema.ModeValues {
		return nil
	}
	points := make([]schema.DataPoint, 0, len(resp.Values))
	for _, v := range resp.Values {
		points = append(points, schema.DataPoint{Timestamp: v.Timestamp, Value: v.Value, Valid: true})
	}
	return points
}

// intervalDurations returns tₖ - tₖ₋₁ for k >= 1, and 0 for k == 0 (LAST
// semantics: interval k's width is attributed to the time since the
// previous sample).
func intervalDurations(aggs []schema.TimeAggregate) []time.Duration {
	durations := make([]time.Duration, len(aggs))
	for k := 1; k < len(aggs); k++ {
		durations[k] = aggs[k].Timestamp.Sub(aggs[k-1].Timestamp)
	}
	return durations
}

// transformMovingAverage computes the time-weighted moving average
// described in spec.md §4.B: for each interval i, the window is symmetric
// around the *interval*, not the point, with padding split evenly on both
// sides when the interval is narrower than the requested window. The left
// and right edges of the window are advanced across intervals with
// partial-interval scaling, accumulating integral_ns and active_time, and
// a point is only emitted when both edges reach their seek targets
// exactly and the accumulated active time is positive.
func transformMovingAverage(resp *schema.HistoryResponse, window time.Duration) []schema.DataPoint {
	if resp == nil || resp.Mode != schema.ModeAggregates || len(resp.Aggregates) == 0 {
		return nil
	}
	aggs := resp.Aggregates
	durations := intervalDurations(aggs)

	var (
		integral   float64
		activeTime time.Duration

		beginIndex = 1
		beginTime  = aggs[0].Timestamp
		endIndex   = 1
		endTime    = aggs[0].Timestamp
	)

	points := make([]schema.DataPoint, 0, len(aggs))

	for i, current := range aggs {
		currentDuration := durations[i]

		outside := window - currentDuration
		if outside < 0 {
			outside = 0
		}
		seekBegin := current.Timestamp.Add(-currentDuration).Add(-outside / 2)
		seekEnd := current.Timestamp.Add(outside / 2)

		// Advance the left edge of the window.
		for beginTime.Before(seekBegin) {
			nextStep := aggs[beginIndex].Timestamp
			if seekBegin.Before(nextStep) {
				nextStep = seekBegin
			}
			stepDuration := nextStep.Sub(beginTime)
			scale := float64(stepDuration) / float64(durations[beginIndex])
			activeTime -= time.Duration(float64(aggs[beginIndex].ActiveTime) * scale)
			integral -= aggs[beginIndex].IntegralNs * scale

			beginTime = nextStep
			if beginTime.Equal(aggs[beginIndex].Timestamp) {
				beginIndex++
			}
		}

		// Advance the right edge of the window.
		for endTime.Before(seekEnd) && endIndex < len(aggs) {
			nextStep := aggs[endIndex].Timestamp
			if seekEnd.Before(nextStep) {
				nextStep = seekEnd
			}
			stepDuration := nextStep.Sub(endTime)
			scale := float64(stepDuration) / float64(durations[endIndex])
			activeTime += time.Duration(float64(aggs[endIndex].ActiveTime) * scale)
			integral += aggs[endIndex].IntegralNs * scale

			endTime = nextStep
			if endTime.Equal(aggs[endIndex].Timestamp) {
				endIndex++
			}
		}

		if !seekBegin.Equal(beginTime) || !seekEnd.Equal(endTime) {
			// Window not fully covered at one edge: skip this interval.
			continue
		}
		if activeTime <= 0 {
			continue
		}

		points = append(points, schema.DataPoint{
			Timestamp: current.Timestamp,
			Value:     integral / float64(activeTime.Nanoseconds()),
			Valid:     true,
		})
	}

	return points
}
