// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics registers the Prometheus collectors exposed on /metrics
// and a small HTTP middleware that feeds them from every request handled
// by httpapi.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metricq_grafana"

var (
	// RequestDuration observes how long each HTTP handler took, labelled
	// by the matched route and the response status class.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the dashboard API.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})

	// RequestsTotal counts HTTP requests by route and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests served by the dashboard API.",
	}, []string{"route", "status"})

	// BusCallDuration observes how long each bus.Client round trip took,
	// labelled by the RPC name (get_metrics, history_data, history_aggregate).
	BusCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bus_call_duration_seconds",
		Help:      "Duration of AMQP RPC round trips against the metric bus.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"rpc"})

	// BusCallErrorsTotal counts failed bus.Client round trips by RPC name
	// and error kind (timeout, not_found, other).
	BusCallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_call_errors_total",
		Help:      "Total number of failed AMQP RPC round trips against the metric bus.",
	}, []string{"rpc", "kind"})

	// CacheLookupsTotal counts pkg/cache.Cache.Get calls by outcome (hit,
	// miss, error), keyed by the cache's purpose (currently only "metrics").
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Total number of cache lookups, by outcome.",
	}, []string{"cache", "outcome"})
)

// NewCacheSizeGauge registers a gauge that reports size() on every scrape,
// for a cache identified by name (e.g. "metrics").
func NewCacheSizeGauge(name string, size func() int) prometheus.GaugeFunc {
	return promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Number of entries currently held by a cache.",
		ConstLabels: prometheus.Labels{
			"cache": name,
		},
	}, func() float64 { return float64(size()) })
}

// Handler exposes the registered collectors in the Prometheus text
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// statusClass reduces an HTTP status code to its first digit plus "xx",
// e.g. 404 -> "4xx", keeping the route/status label pair low-cardinality.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Instrument wraps next so that every request it serves is counted and
// timed under routeName. mux.Router's Path/PathPrefix routes have a fixed
// set of names, so cardinality stays bounded even though request URLs
// (e.g. the legacy counter_data query string) are not labels here.
func Instrument(routeName string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next(rec, r)
		class := statusClass(rec.status)
		RequestDuration.WithLabelValues(routeName, class).Observe(time.Since(began).Seconds())
		RequestsTotal.WithLabelValues(routeName, class).Inc()
	}
}
