// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package httpapi binds the simple-json dashboard protocol and its two
// legacy PHP-compatible endpoints onto the coordinator. It owns request
// decoding, response encoding and error-kind to status-code mapping;
// apart from internal/metrics' /metrics handler and middleware and the
// process bootstrap in cmd, every other component is free of net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/metricq/metricq-grafana-go/internal/bus"
	"github.com/metricq/metricq-grafana-go/internal/coordinator"
	"github.com/metricq/metricq-grafana-go/internal/metrics"
	clog "github.com/metricq/metricq-grafana-go/pkg/log"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// validate runs the struct tags on every decoded request envelope; a
// single *validator.Validate is safe for concurrent use and caches its
// reflection work per type.
var validate = validator.New()

type requestIDKey struct{}

// withRequestID stamps every request with a correlation ID, echoed back
// as a response header and folded into the request's log lines so a
// single dashboard refresh can be traced across concurrent handlers.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		rw.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// API wires an *coordinator.Coordinator onto a mux.Router.
type API struct {
	Coordinator *coordinator.Coordinator
}

// MountRoutes registers every endpoint documented for the dashboard
// protocol plus the two legacy PHP-compatible paths.
func (a *API) MountRoutes(r *mux.Router) {
	r.Use(withRequestID)
	r.HandleFunc("/", a.health).Methods(http.MethodGet)
	r.HandleFunc("/query", metrics.Instrument("query", a.query)).Methods(http.MethodPost)
	r.HandleFunc("/analyze", metrics.Instrument("analyze", a.analyze)).Methods(http.MethodPost)
	r.HandleFunc("/search", metrics.Instrument("search", a.search)).Methods(http.MethodPost)
	r.HandleFunc("/metadata", metrics.Instrument("metadata", a.metadata)).Methods(http.MethodPost)
	r.HandleFunc("/legacy/cntr_status.php", metrics.Instrument("legacy_cntr_status", a.counterStatus)).Methods(http.MethodPost)
	r.HandleFunc("/legacy/counter_data.php", metrics.Instrument("legacy_counter_data", a.counterData)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

func (a *API) health(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

// handleError maps a coordinator error onto the documented status codes:
// malformed input is the caller's fault (400), a bus timeout or missing
// metadata means there is nothing to show yet (404), anything else is
// an internal error.
func handleError(rw http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, bus.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrBadRequest), isClientError(err):
		status = http.StatusBadRequest
	}
	clog.Warnf("httpapi[%s]: request failed with %d: %s", requestID(r.Context()), status, err)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
}

// clientError marks a decode()/parameter failure caught in this package,
// before the request ever reaches the coordinator.
type clientError struct{ error }

func isClientError(err error) bool {
	var ce clientError
	return errors.As(err, &ce)
}

func withTiming(rw http.ResponseWriter, began time.Time) {
	elapsed := time.Since(began)
	rw.Header().Set("x-request-duration", elapsed.String())
	rw.Header().Set("x-request-duration-cpu", elapsed.String())
}

func (a *API) decodeQueryRequest(r *http.Request) (coordinator.QueryRequest, error) {
	var req coordinator.QueryRequest
	if err := decode(r.Body, &req); err != nil {
		return req, clientError{err}
	}
	if err := validate.Struct(req); err != nil {
		return req, clientError{err}
	}
	return req, nil
}

func (a *API) query(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	req, err := a.decodeQueryRequest(r)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	series, err := a.Coordinator.Query(r.Context(), req)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(renderSeries(series))
}

func (a *API) analyze(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	req, err := a.decodeQueryRequest(r)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	records, err := a.Coordinator.Analyze(r.Context(), req)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(renderAnalyzeRecords(records))
}

// searchRequest is the simple-json /search envelope: target is either a
// plain infix or a /.../ wrapped exact selector. Metadata and Limit are
// optional; omitted, they fall back to a bare name list and the
// coordinator's default search limit.
type searchRequest struct {
	Target   string `json:"target" validate:"required"`
	Metadata bool   `json:"metadata"`
	Limit    int    `json:"limit"`
}

func (a *API) search(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	var req searchRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, r, clientError{err})
		return
	}
	if err := validate.Struct(req); err != nil {
		handleError(rw, r, clientError{err})
		return
	}

	result, err := a.Coordinator.MetricList(r.Context(), req.Target, req.Metadata, req.Limit)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "application/json")
	if req.Metadata {
		json.NewEncoder(rw).Encode(result.Metadata)
	} else {
		json.NewEncoder(rw).Encode(result.Names)
	}
}

type metadataRequest struct {
	Target string `json:"target" validate:"required"`
}

func (a *API) metadata(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	var req metadataRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, r, clientError{err})
		return
	}
	if err := validate.Struct(req); err != nil {
		handleError(rw, r, clientError{err})
		return
	}

	meta, err := a.Coordinator.Metadata(r.Context(), req.Target)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]schema.MetricMetadata{req.Target: meta})
}

func (a *API) counterStatus(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	if err := r.ParseForm(); err != nil {
		handleError(rw, r, clientError{err})
		return
	}
	selector := r.Form.Get("selector")
	if selector == "" {
		handleError(rw, r, clientError{errors.New("httpapi: 'selector' is required")})
		return
	}

	entries, err := a.Coordinator.CounterStatus(r.Context(), selector)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Metric + ";" + e.Description
	}
	io.WriteString(rw, strings.Join(lines, "\n"))
}

type counterDataResponse struct {
	Description string       `json:"description"`
	Unit        string       `json:"unit"`
	Data        [][2]float64 `json:"data"`
}

func (a *API) counterData(rw http.ResponseWriter, r *http.Request) {
	began := time.Now()
	q := r.URL.Query()
	cntr := q.Get("cntr")
	if cntr == "" {
		handleError(rw, r, clientError{errors.New("httpapi: 'cntr' query parameter is required")})
		return
	}

	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		handleError(rw, r, clientError{err})
		return
	}
	stop, err := strconv.ParseInt(q.Get("stop"), 10, 64)
	if err != nil {
		handleError(rw, r, clientError{err})
		return
	}
	width, err := strconv.Atoi(q.Get("width"))
	if err != nil {
		handleError(rw, r, clientError{err})
		return
	}

	out, err := a.Coordinator.CounterDataRequest(r.Context(), cntr, start, stop, width)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	data := make([][2]float64, 0, len(out.Data))
	for _, p := range out.Data {
		if !p.Valid {
			continue
		}
		data = append(data, [2]float64{float64(p.Timestamp.UnixMilli()), p.Value})
	}

	withTiming(rw, began)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(counterDataResponse{Description: out.Description, Unit: out.Unit, Data: data})
}

// wireDataPoints renders series' points as [value, posix_ms] tuples (or
// [posix_ms, value] when OrderTimeValue is set), the shape the
// simple-json protocol expects; invalid points carry a JSON null value.
func wireDataPoints(series schema.Series) [][2]interface{} {
	out := make([][2]interface{}, len(series.DataPoints))
	for i, p := range series.DataPoints {
		var v interface{}
		if p.Valid {
			v = p.Value
		}
		ms := p.Timestamp.UnixMilli()
		if series.OrderTimeValue {
			out[i] = [2]interface{}{ms, v}
		} else {
			out[i] = [2]interface{}{v, ms}
		}
	}
	return out
}

type wireTimeMeasurements struct {
	DB   float64 `json:"db"`
	HTTP float64 `json:"http"`
}

type wireSeries struct {
	Target           string               `json:"target"`
	TimeMeasurements wireTimeMeasurements `json:"time_measurements"`
	DataPoints       [][2]interface{}     `json:"datapoints"`
}

func renderSeries(series []schema.Series) []wireSeries {
	out := make([]wireSeries, len(series))
	for i, s := range series {
		out[i] = wireSeries{
			Target:           s.Target,
			TimeMeasurements: wireTimeMeasurements{DB: s.TimeMeasurements.DB, HTTP: s.TimeMeasurements.HTTP},
			DataPoints:       wireDataPoints(s),
		}
	}
	return out
}

type wireAnalyzeTimeMeasurements struct {
	HTTP float64 `json:"http"`
}

type wireAnalyzeRecord struct {
	Target           string                      `json:"target"`
	TimeMeasurements wireAnalyzeTimeMeasurements `json:"time_measurements"`
	Minimum          float64                     `json:"minimum"`
	Maximum          float64                     `json:"maximum"`
	Sum              float64                     `json:"sum"`
	Count            int64                       `json:"count"`
	IntegralNs       float64                     `json:"integral_ns"`
	ActiveTimeNs     int64                       `json:"active_time_ns"`
	Mean             float64                     `json:"mean"`
	MeanIntegral     float64                     `json:"mean_integral"`
}

func renderAnalyzeRecords(records []*schema.AnalyzeRecord) []*wireAnalyzeRecord {
	out := make([]*wireAnalyzeRecord, len(records))
	for i, r := range records {
		if r == nil {
			continue
		}
		out[i] = &wireAnalyzeRecord{
			Target:           r.Target,
			TimeMeasurements: wireAnalyzeTimeMeasurements{HTTP: r.TimeMeasurements.HTTP},
			Minimum:          r.Minimum,
			Maximum:          r.Maximum,
			Sum:              r.Sum,
			Count:            r.Count,
			IntegralNs:       r.IntegralNs,
			ActiveTimeNs:     r.ActiveTimeNs,
			Mean:             r.Mean,
			MeanIntegral:     r.MeanIntegral,
		}
	}
	return out
}
