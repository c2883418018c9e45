// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinator parses inbound request envelopes, expands target
// patterns, fans out one executor per resolved metric, and assembles the
// documented response shapes. It is the only place that knows how the
// six endpoints in §6 map onto the target parser, expander, executor and
// metadata cache.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/metricq/metricq-grafana-go/internal/bus"
	"github.com/metricq/metricq-grafana-go/internal/expand"
	"github.com/metricq/metricq-grafana-go/internal/executor"
	"github.com/metricq/metricq-grafana-go/internal/metrics"
	"github.com/metricq/metricq-grafana-go/internal/target"
	"github.com/metricq/metricq-grafana-go/pkg/cache"
	clog "github.com/metricq/metricq-grafana-go/pkg/log"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// CounterTimeout bounds the history request issued by the legacy
// counter-data path, shorter than the general 30s executor timeout.
const CounterTimeout = 5 * time.Second

const defaultSearchLimit = 100

// MetricsCache is the subset of pkg/cache.Cache the coordinator needs;
// expressed as an interface so tests can substitute an uncached stand-in.
type MetricsCache interface {
	Get(ctx context.Context, key string, compute cache.ComputeFunc[bus.MetricsResult]) (bus.MetricsResult, error)
}

// Coordinator is the request-level orchestrator described in §4.G.
type Coordinator struct {
	Bus   bus.Client
	Cache MetricsCache
}

func (c *Coordinator) getMetrics(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error) {
	missed := false
	result, err := c.Cache.Get(ctx, q.Key(), func(ctx context.Context) (bus.MetricsResult, error) {
		missed = true
		return c.Bus.GetMetrics(ctx, q)
	})
	outcome := "hit"
	switch {
	case missed && err != nil:
		outcome = "error"
	case missed:
		outcome = "miss"
	}
	metrics.CacheLookupsTotal.WithLabelValues("metrics", outcome).Inc()
	return result, err
}

func (c *Coordinator) metadataForMetric(ctx context.Context, metric string) (schema.MetricMetadata, error) {
	selector := "^" + regexp.QuoteMeta(metric) + "$"
	result, err := c.getMetrics(ctx, bus.MetricsQuery{Selector: selector, Metadata: true})
	if err != nil {
		return nil, err
	}
	meta, ok := result.Metadata[metric]
	if !ok {
		return nil, bus.ErrNotFound
	}
	return meta, nil
}

func (c *Coordinator) newExecutor() *executor.Executor {
	return &executor.Executor{Bus: c.Bus, GetMetadata: c.metadataForMetric}
}

// logTiming logs name's duration at DEBUG, escalating to INFO once it
// reaches one second — slow requests should be visible without debug
// logging turned on everywhere.
func logTiming(name string, began time.Time) {
	elapsed := time.Since(began)
	if elapsed >= time.Second {
		clog.Infof("%s took %s", name, elapsed)
	} else {
		clog.Debugf("%s took %s", name, elapsed)
	}
}

// TimeRange is the inbound {from,to} pair, ISO-8601 formatted.
type TimeRange struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// QueryRequest is the shared /query and /analyze envelope.
type QueryRequest struct {
	Targets       []json.RawMessage `json:"targets" validate:"required,min=1"`
	Range         TimeRange         `json:"range" validate:"required"`
	IntervalMs    float64           `json:"intervalMs"`
	MaxDataPoints int               `json:"maxDataPoints" validate:"gt=0"`
}

// ErrBadRequest wraps every error caused by a malformed request body or
// query parameter, as opposed to a backend failure; httpapi maps it to
// HTTP 400.
var ErrBadRequest = fmt.Errorf("coordinator: bad request")

func badRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadRequest}, args...)...)
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, badRequestf("invalid timestamp %q: %s", s, err)
	}
	return t.UTC(), nil
}

func (r QueryRequest) window() (start, end time.Time, interval time.Duration, err error) {
	start, err = parseTimestamp(r.Range.From)
	if err != nil {
		return
	}
	end, err = parseTimestamp(r.Range.To)
	if err != nil {
		return
	}
	if r.MaxDataPoints <= 0 {
		err = badRequestf("maxDataPoints must be positive")
		return
	}
	// Deliberately coarser than the client-supplied intervalMs, which the
	// original adapter documents as unreliable.
	interval = time.Duration(float64(end.Sub(start)) / float64(r.MaxDataPoints) * 2)
	return
}

// expandedTarget is one (original declaration order, expansion order)
// metric resolved from a target descriptor.
type expandedTarget struct {
	declIndex int
	tmpl      schema.Target
	metric    string
}

func (c *Coordinator) expandTargets(ctx context.Context, raws []json.RawMessage) ([]expandedTarget, error) {
	var out []expandedTarget
	for i, raw := range raws {
		tmpl, err := target.ParseObject(raw)
		if err != nil {
			return nil, badRequestf("target %d: %s", i, err)
		}
		metrics, err := expand.Pattern(ctx, c.getMetrics, tmpl.Metric)
		if err != nil {
			return nil, err
		}
		for _, m := range metrics {
			out = append(out, expandedTarget{declIndex: i, tmpl: tmpl, metric: m})
		}
	}
	return out, nil
}

// Query implements the /query path.
func (c *Coordinator) Query(ctx context.Context, req QueryRequest) ([]schema.Series, error) {
	began := time.Now()
	defer logTiming("query", began)

	start, end, interval, err := req.window()
	if err != nil {
		return nil, err
	}

	expanded, err := c.expandTargets(ctx, req.Targets)
	if err != nil {
		return nil, err
	}

	results := make([][]schema.Series, len(expanded))
	errs := make([]error, len(expanded))
	done := make(chan int, len(expanded))

	for i, et := range expanded {
		go func(i int, et expandedTarget) {
			t := et.tmpl
			t.Metric = et.metric
			series, err := c.newExecutor().Run(ctx, t, start, end, interval)
			results[i] = series
			errs[i] = err
			done <- i
		}(i, et)
	}
	for range expanded {
		<-done
	}

	var all []schema.Series
	for i := range expanded {
		if errs[i] != nil {
			clog.Warnf("query: target %q failed: %s", expanded[i].metric, errs[i])
			continue
		}
		all = append(all, results[i]...)
	}
	return all, nil
}

// Analyze implements the /analyze path.
func (c *Coordinator) Analyze(ctx context.Context, req QueryRequest) ([]*schema.AnalyzeRecord, error) {
	began := time.Now()
	defer logTiming("analyze", began)

	start, end, _, err := req.window()
	if err != nil {
		return nil, err
	}

	expanded, err := c.expandTargets(ctx, req.Targets)
	if err != nil {
		return nil, err
	}

	results := make([]*schema.AnalyzeRecord, len(expanded))
	done := make(chan int, len(expanded))
	for i, et := range expanded {
		go func(i int, et expandedTarget) {
			reqBegin := time.Now()
			rec, err := c.Bus.HistoryAggregate(ctx, et.metric, start, end)
			if err != nil {
				clog.Warnf("analyze: target %q failed: %s", et.metric, err)
			} else if rec != nil {
				rec.TimeMeasurements.HTTP = time.Since(reqBegin).Seconds()
			}
			results[i] = rec
			done <- i
		}(i, et)
	}
	for range expanded {
		<-done
	}
	return results, nil
}

// CounterData is the response shape of the legacy GET counter-data path.
type CounterData struct {
	Description string
	Unit        string
	Data        []schema.DataPoint
}

// CounterDataRequest implements the legacy /legacy/counter_data.php path:
// a single metric, a millisecond [start, stop] window and an integer
// width; emitted datapoints outside [start, stop] are dropped.
func (c *Coordinator) CounterDataRequest(ctx context.Context, cntr string, startMs, stopMs int64, width int) (CounterData, error) {
	began := time.Now()
	defer logTiming("counter_data", began)

	if width <= 0 {
		return CounterData{}, badRequestf("width must be positive")
	}

	start := time.UnixMilli(startMs).UTC()
	stop := time.UnixMilli(stopMs).UTC()
	interval := time.Duration(int64(stop.Sub(start)) / int64(width))

	t, err := target.ParseString(cntr)
	if err != nil {
		return CounterData{}, badRequestf("cntr %q: %s", cntr, err)
	}
	t.OrderTimeValue = true

	ctx, cancel := context.WithTimeout(ctx, CounterTimeout)
	defer cancel()

	type seriesResult struct {
		series []schema.Series
		err    error
	}
	type metaResult struct {
		meta schema.MetricMetadata
	}
	seriesCh := make(chan seriesResult, 1)
	metaCh := make(chan metaResult, 1)

	go func() {
		series, err := c.newExecutor().Run(ctx, t, start, stop, interval)
		seriesCh <- seriesResult{series: series, err: err}
	}()
	go func() {
		meta, err := c.metadataForMetric(ctx, t.Metric)
		if err != nil {
			meta = schema.MetricMetadata{}
		}
		metaCh <- metaResult{meta: meta}
	}()

	sr := <-seriesCh
	mr := <-metaCh
	if sr.err != nil {
		return CounterData{}, sr.err
	}

	var datapoints []schema.DataPoint
	if len(sr.series) > 0 {
		for _, p := range sr.series[0].DataPoints {
			ms := p.Timestamp.UnixMilli()
			if ms >= startMs && ms <= stopMs {
				datapoints = append(datapoints, p)
			}
		}
	}

	return CounterData{
		Description: mr.meta.Description(""),
		Unit:        mr.meta.Unit(""),
		Data:        datapoints,
	}, nil
}

// MetricList implements the /search path. searchQuery wrapped in slashes
// is an exact selector; otherwise it is an infix and limit defaults to
// 100 when unset.
func (c *Coordinator) MetricList(ctx context.Context, searchQuery string, withMetadata bool, limit int) (bus.MetricsResult, error) {
	began := time.Now()
	defer logTiming("search", began)

	selector, infix := bus.BuildSelector(searchQuery)
	if selector == "" && limit <= 0 {
		limit = defaultSearchLimit
	}

	result, err := c.getMetrics(ctx, bus.MetricsQuery{
		Selector: selector,
		Infix:    infix,
		Limit:    limit,
		Metadata: withMetadata,
	})
	if err != nil {
		return bus.MetricsResult{}, err
	}
	if !withMetadata {
		sort.Strings(result.Names)
	}
	return result, nil
}

// Metadata implements the /metadata path: exact lookup for one metric,
// 404 (via bus.ErrNotFound) if the backend has nothing for it.
func (c *Coordinator) Metadata(ctx context.Context, metric string) (schema.MetricMetadata, error) {
	began := time.Now()
	defer logTiming("metadata", began)
	return c.metadataForMetric(ctx, metric)
}

// CounterStatusEntry is one row of the legacy counter-status listing.
type CounterStatusEntry struct {
	Metric      string
	Description string
}

// CounterStatus implements the legacy /legacy/cntr_status.php path.
func (c *Coordinator) CounterStatus(ctx context.Context, selector string) ([]CounterStatusEntry, error) {
	began := time.Now()
	defer logTiming("cntr_status", began)

	result, err := c.getMetrics(ctx, bus.MetricsQuery{Selector: selector, Historic: true, Metadata: true})
	if err != nil {
		return nil, err
	}

	names := result.SortedNames()
	entries := make([]CounterStatusEntry, len(names))
	for i, name := range names {
		entries[i] = CounterStatusEntry{
			Metric:      name,
			Description: result.Metadata[name].Description(""),
		}
	}
	return entries, nil
}
