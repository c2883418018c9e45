// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package executor drives one Target's pipeline: compute the padded
// history window, issue the history request alongside the conditional
// metadata fetch, run every requested function over the response, and
// assemble the rendered series.
package executor

import (
	"context"
	"time"

	"github.com/metricq/metricq-grafana-go/internal/bus"
	"github.com/metricq/metricq-grafana-go/internal/functions"
	"github.com/metricq/metricq-grafana-go/internal/sanitize"
	clog "github.com/metricq/metricq-grafana-go/pkg/log"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// HistoryTimeout bounds a single target's history request.
const HistoryTimeout = 30 * time.Second

const noDescription = "No description found"

// Executor drives targets against a bus client and a metadata lookup.
// GetMetadata is injected (rather than calling bus.Client.GetMetrics
// directly) so the caller can route it through the metadata cache.
type Executor struct {
	Bus         bus.Client
	GetMetadata func(ctx context.Context, metric string) (schema.MetricMetadata, error)
}

// Run executes target over [start, end] at interval and returns its
// rendered series, already sorted by the target's function order. A nil
// or empty backend response yields no error and no series: per-target
// failures never fail the surrounding request.
func (e *Executor) Run(ctx context.Context, target schema.Target, start, end time.Time, interval time.Duration) ([]schema.Series, error) {
	extension := target.MaxFunctionInterval() / 2
	reqStart := start.Add(-extension)
	reqEnd := end.Add(extension)

	fetchMetadata := needsMetadata(target.NameTemplate)

	type historyResult struct {
		resp     *schema.HistoryResponse
		httpTime time.Duration
		err      error
	}
	type metadataResult struct {
		meta schema.MetricMetadata
		err  error
	}

	historyCh := make(chan historyResult, 1)
	metadataCh := make(chan metadataResult, 1)

	go func() {
		histCtx, cancel := context.WithTimeout(ctx, HistoryTimeout)
		defer cancel()

		begin := time.Now()
		resp, err := e.Bus.HistoryData(histCtx, target.Metric, reqStart, reqEnd, interval)
		historyCh <- historyResult{resp: resp, httpTime: time.Since(begin), err: err}
	}()

	go func() {
		if !fetchMetadata || e.GetMetadata == nil {
			metadataCh <- metadataResult{}
			return
		}
		meta, err := e.GetMetadata(ctx, target.Metric)
		metadataCh <- metadataResult{meta: meta, err: err}
	}()

	hr := <-historyCh
	mr := <-metadataCh

	if hr.err != nil {
		return nil, hr.err
	}
	if hr.resp.Empty() {
		return nil, nil
	}

	if mr.err != nil {
		clog.Warnf("executor: metadata lookup for %q failed, falling back to defaults: %s", target.Metric, mr.err)
	}
	metadata := mr.meta
	if metadata == nil {
		metadata = schema.MetricMetadata{}
	}

	fns := target.Functions
	if hr.resp.Mode == schema.ModeValues {
		fns = []schema.Function{{Kind: schema.KindRaw}}
	}

	series := make([]schema.Series, 0, len(fns))
	for _, f := range fns {
		name := renderName(target.NameTemplate, target.Metric, f, metadata)

		points := functions.Transform(f, hr.resp)
		datapoints := make([]schema.DataPoint, 0, len(points))
		for _, p := range points {
			if !p.Valid {
				datapoints = append(datapoints, schema.DataPoint{Timestamp: p.Timestamp, Valid: false})
				continue
			}
			scaled := p.Value * target.ScalingFactor
			v, ok := sanitize.Value(scaled)
			datapoints = append(datapoints, schema.DataPoint{Timestamp: p.Timestamp, Value: v, Valid: ok})
		}

		series = append(series, schema.Series{
			Target: name,
			TimeMeasurements: schema.TimeMeasurements{
				DB:   hr.resp.RequestDuration.Seconds(),
				HTTP: hr.httpTime.Seconds(),
			},
			DataPoints:     datapoints,
			OrderTimeValue: target.OrderTimeValue,
		})
	}

	return series, nil
}

func renderName(tpl, metric string, f schema.Function, metadata schema.MetricMetadata) string {
	vars := map[string]string{
		"metric":   metric,
		"function": f.String(),
	}
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	if _, ok := vars["description"]; !ok {
		vars["description"] = noDescription
	}
	return safeSubstitute(tpl, vars)
}
