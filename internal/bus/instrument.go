// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import (
	"context"
	"errors"
	"time"

	"github.com/metricq/metricq-grafana-go/internal/metrics"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// Instrumented wraps a Client so every RPC observes
// metrics.BusCallDuration and, on failure, metrics.BusCallErrorsTotal.
type Instrumented struct {
	Client
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}

func observe(rpc string, began time.Time, err error) {
	metrics.BusCallDuration.WithLabelValues(rpc).Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.BusCallErrorsTotal.WithLabelValues(rpc, errKind(err)).Inc()
	}
}

func (c Instrumented) HistoryData(ctx context.Context, metric string, start, end time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
	began := time.Now()
	resp, err := c.Client.HistoryData(ctx, metric, start, end, interval)
	observe("history_data", began, err)
	return resp, err
}

func (c Instrumented) HistoryAggregate(ctx context.Context, metric string, start, end time.Time) (*schema.AnalyzeRecord, error) {
	began := time.Now()
	rec, err := c.Client.HistoryAggregate(ctx, metric, start, end)
	observe("history_aggregate", began, err)
	return rec, err
}

func (c Instrumented) GetMetrics(ctx context.Context, q MetricsQuery) (MetricsResult, error) {
	began := time.Now()
	result, err := c.Client.GetMetrics(ctx, q)
	observe("get_metrics", began, err)
	return result, err
}
