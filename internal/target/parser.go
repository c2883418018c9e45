// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package target turns one dashboard target descriptor — either the
// preferred object form or the legacy alias-wrapped string form used by
// the counter endpoints — into a schema.Target the executor can drive.
package target

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/metricq/metricq-grafana-go/internal/functions"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

const defaultNameTemplate = "$metric/$function"

// multiTypeRE matches a parenthesised, pipe-joined list of aggregate
// names as a trailing selector, e.g. "(min|max)".
var multiTypeRE = regexp.MustCompile(`^\(((?:min|max|avg)\|?)+\)$`)

// ParseObject decodes one /query-style target descriptor. raw must be a
// JSON object carrying at least "metric"; "name", "functions",
// "scalingFactor"/"scaling_factor", "smaWindow"/"sma_window" and
// "orderTimeValue"/"order_time_value" are all optional.
func ParseObject(raw json.RawMessage) (schema.Target, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return schema.Target{}, fmt.Errorf("target: invalid object: %w", err)
	}

	metric, err := jsonString(fields, "metric")
	if err != nil {
		return schema.Target{}, err
	}
	if metric == "" {
		return schema.Target{}, fmt.Errorf("target: \"metric\" is required")
	}

	name := defaultNameTemplate
	if v, ok := fields["name"]; ok {
		if err := json.Unmarshal(v, &name); err != nil {
			return schema.Target{}, fmt.Errorf("target: invalid \"name\": %w", err)
		}
	}

	var fnNames []string
	if v, ok := fields["functions"]; ok {
		if err := json.Unmarshal(v, &fnNames); err != nil {
			return schema.Target{}, fmt.Errorf("target: invalid \"functions\": %w", err)
		}
	}

	scale := 1.0
	if s, ok, err := jsonFloatEither(fields, "scalingFactor", "scaling_factor"); err != nil {
		return schema.Target{}, err
	} else if ok {
		scale = s
	}

	smaWindow, _ := jsonStringEither(fields, "smaWindow", "sma_window")

	orderTimeValue := false
	if b, ok, err := jsonBoolEither(fields, "orderTimeValue", "order_time_value"); err != nil {
		return schema.Target{}, err
	} else if ok {
		orderTimeValue = b
	}

	fns, err := functions.Parse(fnNames, smaWindow)
	if err != nil {
		return schema.Target{}, err
	}

	return schema.Target{
		Metric:         metric,
		NameTemplate:   name,
		Functions:      fns,
		ScalingFactor:  scale,
		OrderTimeValue: orderTimeValue,
	}, nil
}

// ParseString parses the legacy alias-wrapped string form: an optional
// alias(...)/aliasByMetric(...)/aliasByDescription(...)/
// aliasByMetricAndDescription(...)/movingAverageWithAlias(...) wrapper,
// optionally followed by a trailing "/TYPE" or "/(a|b|...)" aggregation
// selector.
func ParseString(s string) (schema.Target, error) {
	metric, nameTemplate, window, rest := extractWrapper(s)

	aggTypes, metricOnly := splitAggregationTypes(metric + rest)

	fns, err := functions.Parse(aggTypes, "")
	if err != nil {
		return schema.Target{}, err
	}
	if window > 0 {
		fns = append(fns, schema.Function{Kind: schema.KindSMA, Interval: window})
		sort.Stable(schema.ByOrder(fns))
	}

	return schema.Target{
		Metric:        metricOnly,
		NameTemplate:  nameTemplate,
		Functions:     fns,
		ScalingFactor: 1.0,
	}, nil
}

type wrapper struct {
	name  string
	apply func(inner string) (nameTemplate string, window time.Duration)
}

// slashed converts the dotted internal metric naming into the
// slash-separated form the dashboard displays it with.
func slashed(metric string) string {
	return strings.ReplaceAll(metric, ".", "/")
}

// splitCSV splits a wrapper's inner content on every comma; callers
// recombine the trailing fields with strings.Join(parts[k:], ",") so that
// commas embedded in free-form alias text survive intact.
func splitCSV(inner string) []string {
	return strings.Split(inner, ",")
}

var wrappers = []wrapper{
	{
		name: "alias",
		apply: func(inner string) (string, time.Duration) {
			parts := splitCSV(inner)
			text := ""
			if len(parts) > 1 {
				text = strings.TrimSpace(strings.Join(parts[1:], ","))
			}
			return text, 0
		},
	},
	{
		name: "aliasByMetric",
		apply: func(inner string) (string, time.Duration) {
			return slashed(strings.TrimSpace(inner)) + "/$function", 0
		},
	},
	{
		name: "aliasByDescription",
		apply: func(inner string) (string, time.Duration) {
			return "$description", 0
		},
	},
	{
		name: "aliasByMetricAndDescription",
		apply: func(inner string) (string, time.Duration) {
			return slashed(strings.TrimSpace(inner)) + "/$function ($description)", 0
		},
	},
	{
		name: "movingAverageWithAlias",
		apply: func(inner string) (string, time.Duration) {
			parts := splitCSV(inner)
			if len(parts) < 3 {
				return strings.TrimSpace(inner), 0
			}
			text := strings.TrimSpace(strings.Join(parts[1:len(parts)-1], ","))
			window, _ := time.ParseDuration(strings.TrimSpace(parts[len(parts)-1]))
			return text, window
		},
	},
}

// extractWrapper strips a recognised alias wrapper from s, returning the
// bare metric name, the NameTemplate to use, a non-zero moving-average
// window when the wrapper is movingAverageWithAlias, and whatever
// followed the wrapper's closing paren (e.g. a trailing "/avg").
//
// A wrapper call is identified by its first "(" and its *last* ")": the
// content between them is split on commas and recombined so that commas
// embedded in the alias text survive intact.
func extractWrapper(s string) (metric, nameTemplate string, window time.Duration, rest string) {
	for _, w := range wrappers {
		prefix := w.name + "("
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		closeIdx := strings.LastIndex(s, ")")
		if closeIdx < len(prefix) {
			continue
		}
		inner := s[len(prefix):closeIdx]
		after := s[closeIdx+1:]

		metricArg := strings.TrimSpace(splitCSV(inner)[0])
		nameTemplate, window = w.apply(inner)
		return metricArg, nameTemplate, window, after
	}
	return s, defaultNameTemplate, 0, ""
}

// splitAggregationTypes splits s on its last "/" into a bare metric name
// and one or more requested aggregate function names. Absent a "/", the
// single function "avg" is assumed. A trailing "(a|b|...)" segment
// requests several functions at once.
func splitAggregationTypes(s string) (types []string, metric string) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return []string{"avg"}, s
	}
	metric = s[:idx]
	suffix := s[idx+1:]
	if multiTypeRE.MatchString(suffix) {
		inner := strings.Trim(suffix, "()")
		return strings.Split(inner, "|"), metric
	}
	return []string{suffix}, metric
}

func jsonString(fields map[string]json.RawMessage, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("target: invalid %q: %w", key, err)
	}
	return s, nil
}

func jsonStringEither(fields map[string]json.RawMessage, keyA, keyB string) (string, bool) {
	for _, key := range []string{keyA, keyB} {
		if v, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil {
				return s, true
			}
		}
	}
	return "", false
}

func jsonFloatEither(fields map[string]json.RawMessage, keyA, keyB string) (float64, bool, error) {
	for _, key := range []string{keyA, keyB} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f, true, nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, false, fmt.Errorf("target: invalid %q: %w", key, err)
			}
			return parsed, true, nil
		}
		return 0, false, fmt.Errorf("target: invalid %q", key)
	}
	return 0, false, nil
}

func jsonBoolEither(fields map[string]json.RawMessage, keyA, keyB string) (bool, bool, error) {
	for _, key := range []string{keyA, keyB} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return false, false, fmt.Errorf("target: invalid %q: %w", key, err)
		}
		return b, true, nil
	}
	return false, false, nil
}
