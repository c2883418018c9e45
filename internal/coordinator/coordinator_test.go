package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricq/metricq-grafana-go/internal/bus"
	"github.com/metricq/metricq-grafana-go/pkg/cache"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

func newCoordinator(fake *bus.FakeClient) *Coordinator {
	return &Coordinator{Bus: fake, Cache: cache.New[bus.MetricsResult](time.Minute)}
}

func rawTarget(t *testing.T, obj map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	return b
}

func TestQuerySingleTargetAvg(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &bus.FakeClient{
		HistoryDataFunc: func(ctx context.Context, metric string, s, e time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
			return &schema.HistoryResponse{
				Mode: schema.ModeAggregates,
				Aggregates: []schema.TimeAggregate{
					{Timestamp: start.Add(time.Minute), Count: 1, Mean: 4},
				},
			}, nil
		},
	}
	co := newCoordinator(fake)

	req := QueryRequest{
		Targets: []json.RawMessage{rawTarget(t, map[string]interface{}{"metric": "cpu.load"})},
		Range:   TimeRange{From: start.Format(time.RFC3339), To: start.Add(10 * time.Minute).Format(time.RFC3339)},
		MaxDataPoints: 100,
	}
	series, err := co.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "cpu.load/avg", series[0].Target)
}

func TestQueryExpandsPatternIntoConcurrentTargets(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &bus.FakeClient{
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			return bus.MetricsResult{Names: []string{"cpu.a", "cpu.b"}}, nil
		},
		HistoryDataFunc: func(ctx context.Context, metric string, s, e time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
			return &schema.HistoryResponse{
				Mode:       schema.ModeAggregates,
				Aggregates: []schema.TimeAggregate{{Timestamp: start.Add(time.Minute), Count: 1, Mean: 1}},
			}, nil
		},
	}
	co := newCoordinator(fake)

	req := QueryRequest{
		Targets:       []json.RawMessage{rawTarget(t, map[string]interface{}{"metric": "cpu.(a|b)"})},
		Range:         TimeRange{From: start.Format(time.RFC3339), To: start.Add(10 * time.Minute).Format(time.RFC3339)},
		MaxDataPoints: 100,
	}
	series, err := co.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, series, 2)

	names := map[string]bool{}
	for _, s := range series {
		names[s.Target] = true
	}
	assert.True(t, names["cpu.a/avg"])
	assert.True(t, names["cpu.b/avg"])
}

func TestQueryOneFailingTargetDoesNotFailOthers(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &bus.FakeClient{
		HistoryDataFunc: func(ctx context.Context, metric string, s, e time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
			if metric == "bad" {
				return nil, bus.ErrTimeout
			}
			return &schema.HistoryResponse{
				Mode:       schema.ModeAggregates,
				Aggregates: []schema.TimeAggregate{{Timestamp: start.Add(time.Minute), Count: 1, Mean: 1}},
			}, nil
		},
	}
	co := newCoordinator(fake)

	req := QueryRequest{
		Targets: []json.RawMessage{
			rawTarget(t, map[string]interface{}{"metric": "bad"}),
			rawTarget(t, map[string]interface{}{"metric": "good"}),
		},
		Range:         TimeRange{From: start.Format(time.RFC3339), To: start.Add(10 * time.Minute).Format(time.RFC3339)},
		MaxDataPoints: 100,
	}
	series, err := co.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "good/avg", series[0].Target)
}

func TestAnalyzePassesThroughNullRecords(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &bus.FakeClient{
		HistoryAggregateFunc: func(ctx context.Context, metric string, s, e time.Time) (*schema.AnalyzeRecord, error) {
			if metric == "missing" {
				return nil, nil
			}
			return &schema.AnalyzeRecord{Target: metric, Mean: 3}, nil
		},
	}
	co := newCoordinator(fake)

	req := QueryRequest{
		Targets: []json.RawMessage{
			rawTarget(t, map[string]interface{}{"metric": "missing"}),
			rawTarget(t, map[string]interface{}{"metric": "present"}),
		},
		Range:         TimeRange{From: start.Format(time.RFC3339), To: start.Add(time.Hour).Format(time.RFC3339)},
		MaxDataPoints: 100,
	}
	records, err := co.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[0])
	require.NotNil(t, records[1])
	assert.Equal(t, 3.0, records[1].Mean)
}

func TestCounterDataRequestFiltersToWindow(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &bus.FakeClient{
		HistoryDataFunc: func(ctx context.Context, metric string, s, e time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
			return &schema.HistoryResponse{
				Mode: schema.ModeAggregates,
				Aggregates: []schema.TimeAggregate{
					{Timestamp: start.Add(-time.Minute), Count: 1, Mean: 1},
					{Timestamp: start.Add(time.Minute), Count: 1, Mean: 2},
					{Timestamp: start.Add(20 * time.Minute), Count: 1, Mean: 3},
				},
			}, nil
		},
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			return bus.MetricsResult{Metadata: map[string]schema.MetricMetadata{
				"cpu.load": {"description": "CPU load", "unit": "pct"},
			}}, nil
		},
	}
	co := newCoordinator(fake)

	startMs := start.UnixMilli()
	stopMs := start.Add(10 * time.Minute).UnixMilli()
	out, err := co.CounterDataRequest(context.Background(), "cpu.load", startMs, stopMs, 10)
	require.NoError(t, err)
	assert.Equal(t, "CPU load", out.Description)
	assert.Equal(t, "pct", out.Unit)
	require.Len(t, out.Data, 1)
	assert.Equal(t, 2.0, out.Data[0].Value)
}

func TestMetricListPlainInfixDefaultsLimit(t *testing.T) {
	var gotQuery bus.MetricsQuery
	fake := &bus.FakeClient{
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			gotQuery = q
			return bus.MetricsResult{Names: []string{"b", "a"}}, nil
		},
	}
	co := newCoordinator(fake)

	result, err := co.MetricList(context.Background(), "cpu", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "cpu", gotQuery.Infix)
	assert.Equal(t, defaultSearchLimit, gotQuery.Limit)
	assert.Equal(t, []string{"a", "b"}, result.Names)
}

func TestMetricListSlashWrappedIsExactSelector(t *testing.T) {
	var gotQuery bus.MetricsQuery
	fake := &bus.FakeClient{
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			gotQuery = q
			return bus.MetricsResult{Names: []string{"cpu.load"}}, nil
		},
	}
	co := newCoordinator(fake)

	_, err := co.MetricList(context.Background(), "/^cpu\\..*$/", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "^cpu\\..*$", gotQuery.Selector)
	assert.Equal(t, 0, gotQuery.Limit)
}

func TestMetadataNotFoundReturnsErrNotFound(t *testing.T) {
	fake := &bus.FakeClient{
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			return bus.MetricsResult{Metadata: map[string]schema.MetricMetadata{}}, nil
		},
	}
	co := newCoordinator(fake)

	_, err := co.Metadata(context.Background(), "cpu.load")
	assert.ErrorIs(t, err, bus.ErrNotFound)
}

func TestCounterStatusReturnsSortedPairs(t *testing.T) {
	fake := &bus.FakeClient{
		GetMetricsFunc: func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
			return bus.MetricsResult{Metadata: map[string]schema.MetricMetadata{
				"cpu.b": {"description": "B"},
				"cpu.a": {"description": "A"},
			}}, nil
		},
	}
	co := newCoordinator(fake)

	entries, err := co.CounterStatus(context.Background(), "cpu.(a|b)")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cpu.a", entries[0].Metric)
	assert.Equal(t, "cpu.b", entries[1].Metric)
}
