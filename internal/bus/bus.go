// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus declares the metric-bus abstraction the coordinator and
// executor are driven against, and provides one production
// implementation backed by an AMQP 0-9-1 broker. The adapter never
// speaks the bus wire protocol directly outside of this package; every
// other component only ever sees the Client interface, so tests can
// substitute a fake.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// MetricsQuery is the full argument tuple of one metric-listing call,
// doubling as the metadata cache key (see pkg/cache).
type MetricsQuery struct {
	Selector string
	Infix    string
	Limit    int
	Metadata bool
	Historic bool
}

// Key renders q into a stable cache key.
func (q MetricsQuery) Key() string {
	return fmt.Sprintf("selector=%s\x00infix=%s\x00limit=%d\x00metadata=%t\x00historic=%t",
		q.Selector, q.Infix, q.Limit, q.Metadata, q.Historic)
}

// MetricsResult is the return shape of a GetMetrics call: Names when the
// caller asked for bare names, Metadata when it asked for the full
// per-metric mapping.
type MetricsResult struct {
	Names    []string
	Metadata map[string]schema.MetricMetadata
}

// SortedNames returns the metric names in Metadata, sorted, for callers
// that requested metadata but need a name-ordered view too.
func (r MetricsResult) SortedNames() []string {
	names := make([]string, 0, len(r.Metadata))
	for name := range r.Metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client is the metric bus abstraction. Every method is expected to
// respect ctx cancellation/deadline; a timed-out call returns
// ErrTimeout.
type Client interface {
	// HistoryData requests one metric's aggregate (or, for sufficiently
	// fine windows, raw) history over [start, end] bucketed at interval.
	HistoryData(ctx context.Context, metric string, start, end time.Time, interval time.Duration) (*schema.HistoryResponse, error)

	// HistoryAggregate requests a single aggregate record covering the
	// whole [start, end] window.
	HistoryAggregate(ctx context.Context, metric string, start, end time.Time) (*schema.AnalyzeRecord, error)

	// GetMetrics lists and/or describes metrics matching q. Callers are
	// expected to route this through the metadata cache rather than
	// calling it directly on the hot path.
	GetMetrics(ctx context.Context, q MetricsQuery) (MetricsResult, error)

	// Close releases the underlying connection. Safe to call once,
	// during process shutdown.
	Close() error
}

// ErrTimeout is returned by Client methods when the bus does not answer
// within the caller's deadline; the view façade maps it to HTTP 404.
var ErrTimeout = fmt.Errorf("bus: request timed out")

// ErrNotFound is returned by GetMetrics-derived lookups that come back
// empty when the caller specifically asked for one metric's metadata.
var ErrNotFound = fmt.Errorf("bus: metric not found")

// BuildSelector classifies a /search request's target string: wrapped in
// slashes (`/.../`) it is an exact regex selector, otherwise it is a
// plain infix that the Client turns into an anchored selector itself.
func BuildSelector(searchQuery string) (selector, infix string) {
	if len(searchQuery) > 1 && strings.HasPrefix(searchQuery, "/") && strings.HasSuffix(searchQuery, "/") {
		return searchQuery[1 : len(searchQuery)-1], ""
	}
	return "", searchQuery
}
