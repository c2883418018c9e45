package bus

import (
	"context"
	"time"

	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// FakeClient is an in-memory Client for tests: each method is backed by
// a function field that defaults to returning zero values, so a test
// only needs to set the handlers it actually exercises.
type FakeClient struct {
	HistoryDataFunc      func(ctx context.Context, metric string, start, end time.Time, interval time.Duration) (*schema.HistoryResponse, error)
	HistoryAggregateFunc func(ctx context.Context, metric string, start, end time.Time) (*schema.AnalyzeRecord, error)
	GetMetricsFunc       func(ctx context.Context, q MetricsQuery) (MetricsResult, error)

	// Calls records every method invocation's name for assertions on
	// call counts/ordering.
	Calls []string
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) HistoryData(ctx context.Context, metric string, start, end time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
	f.Calls = append(f.Calls, "HistoryData:"+metric)
	if f.HistoryDataFunc == nil {
		return &schema.HistoryResponse{Mode: schema.ModeEmpty}, nil
	}
	return f.HistoryDataFunc(ctx, metric, start, end, interval)
}

func (f *FakeClient) HistoryAggregate(ctx context.Context, metric string, start, end time.Time) (*schema.AnalyzeRecord, error) {
	f.Calls = append(f.Calls, "HistoryAggregate:"+metric)
	if f.HistoryAggregateFunc == nil {
		return nil, nil
	}
	return f.HistoryAggregateFunc(ctx, metric, start, end)
}

func (f *FakeClient) GetMetrics(ctx context.Context, q MetricsQuery) (MetricsResult, error) {
	f.Calls = append(f.Calls, "GetMetrics:"+q.Key())
	if f.GetMetricsFunc == nil {
		return MetricsResult{}, nil
	}
	return f.GetMetricsFunc(ctx, q)
}

func (f *FakeClient) Close() error { return nil }
