// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package expand turns one target metric pattern into a concrete list
// of metric names, consulting the bus only when the pattern actually
// looks like a back-end selector.
package expand

import (
	"context"
	"strings"

	"github.com/metricq/metricq-grafana-go/internal/bus"
)

// Lookup resolves a metrics query, normally the metadata cache's Get
// routed at bus.Client.GetMetrics.
type Lookup func(ctx context.Context, q bus.MetricsQuery) (bus.MetricsResult, error)

// Pattern expands pattern into the metrics it denotes. A pattern
// containing both "(" and ")" is treated as a back-end selector and
// resolved via lookup; anything else is returned unchanged as a
// single-element list. An empty resolution is not an error — the caller
// ends up with zero series for that target, nothing more.
func Pattern(ctx context.Context, lookup Lookup, pattern string) ([]string, error) {
	if !strings.Contains(pattern, "(") || !strings.Contains(pattern, ")") {
		return []string{pattern}, nil
	}

	result, err := lookup(ctx, bus.MetricsQuery{Selector: pattern, Historic: true, Metadata: false})
	if err != nil {
		return nil, err
	}
	return result.Names, nil
}
