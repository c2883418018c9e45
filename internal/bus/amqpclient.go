// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	clog "github.com/metricq/metricq-grafana-go/pkg/log"
	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

// Config holds the connection parameters for the AMQP-backed Client, the
// same handful of values the original adapter takes on its command line:
// the broker URL, this client's RPC token, the management exchange it
// publishes metric-listing requests to, and the history exchange it
// publishes history requests to.
type Config struct {
	URL               string
	Token             string
	ManagementExchange string
	HistoryExchange   string
	// RequestsPerSecond throttles outbound RPCs so a runaway dashboard
	// panel (or a refresh storm across many panels) cannot flood the
	// broker; 0 disables throttling.
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.ManagementExchange == "" {
		c.ManagementExchange = "metricq.management"
	}
	if c.HistoryExchange == "" {
		c.HistoryExchange = "historyExchange"
	}
	return c
}

// AMQPClient implements Client against a real broker using the
// publish-with-reply-to RPC pattern: one auto-delete, exclusive reply
// queue per call. History calls are routed by the target metric name on
// the history exchange; metric listings go to the management exchange.
type AMQPClient struct {
	cfg     Config
	conn    *amqp.Connection
	limiter *rate.Limiter
}

var _ Client = (*AMQPClient)(nil)

// Dial connects to the broker named by cfg.URL and returns a ready Client.
func Dial(cfg Config) (*AMQPClient, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", cfg.URL, err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	clog.Infof("bus: connected to %s as %q", cfg.URL, cfg.Token)
	return &AMQPClient{cfg: cfg, conn: conn, limiter: limiter}, nil
}

func (c *AMQPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// rpc publishes body to exchange routed by routingKey, then waits for a
// single reply on a freshly declared exclusive queue. It is the shared
// mechanics behind every Client method.
func (c *AMQPClient) rpc(ctx context.Context, exchange, routingKey string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: consume reply queue: %w", err)
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		ReplyTo:     queue.Name,
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: publish request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case d, ok := <-deliveries:
		if !ok {
			return nil, fmt.Errorf("bus: reply queue closed before a response arrived")
		}
		if err := d.Ack(false); err != nil {
			clog.Warnf("bus: ack reply: %s", err)
		}
		return d.Body, nil
	}
}

type historyRequest struct {
	Function string `json:"function"`
	Target   string `json:"target"`
	Token    string `json:"token"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Interval string `json:"interval,omitempty"`
}

type historyAggregateWire struct {
	Minimum      float64 `json:"minimum"`
	Maximum      float64 `json:"maximum"`
	Sum          float64 `json:"sum"`
	Count        int64   `json:"count"`
	IntegralNs   float64 `json:"integral_ns"`
	ActiveTimeNs int64   `json:"active_time_ns"`
}

type timeAggregateWire struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Minimum     float64 `json:"minimum"`
	Maximum     float64 `json:"maximum"`
	Sum         float64 `json:"sum"`
	Count       int64   `json:"count"`
	IntegralNs  float64 `json:"integral_ns"`
	ActiveTime  int64   `json:"active_time_ns"`
}

type rawPointWire struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
}

type historyResponseWire struct {
	Mode            string              `json:"mode"`
	Aggregates      []timeAggregateWire `json:"aggregates,omitempty"`
	Values          []rawPointWire      `json:"values,omitempty"`
	RequestDuration float64             `json:"request_duration"`
}

func (c *AMQPClient) HistoryData(ctx context.Context, metric string, start, end time.Time, interval time.Duration) (*schema.HistoryResponse, error) {
	req := historyRequest{
		Function: "history_data_request",
		Target:   metric,
		Token:    c.cfg.Token,
		Start:    start.UTC().Format(time.RFC3339Nano),
		End:      end.UTC().Format(time.RFC3339Nano),
		Interval: interval.String(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply, err := c.rpc(ctx, c.cfg.HistoryExchange, metric, body)
	if err != nil {
		return nil, err
	}

	var wire historyResponseWire
	if err := json.Unmarshal(reply, &wire); err != nil {
		return nil, fmt.Errorf("bus: decode history response: %w", err)
	}

	resp := &schema.HistoryResponse{
		RequestDuration: time.Duration(wire.RequestDuration * float64(time.Second)),
	}
	switch wire.Mode {
	case "values":
		resp.Mode = schema.ModeValues
		resp.Values = make([]schema.RawPoint, len(wire.Values))
		for i, v := range wire.Values {
			resp.Values[i] = schema.RawPoint{
				Timestamp: time.UnixMilli(v.TimestampMs).UTC(),
				Value:     v.Value,
			}
		}
	case "aggregates":
		resp.Mode = schema.ModeAggregates
		resp.Aggregates = make([]schema.TimeAggregate, len(wire.Aggregates))
		for i, a := range wire.Aggregates {
			var mean, meanIntegral float64
			if a.Count > 0 {
				mean = a.Sum / float64(a.Count)
				meanIntegral = a.IntegralNs / float64(a.ActiveTime)
			}
			resp.Aggregates[i] = schema.TimeAggregate{
				Timestamp:    time.UnixMilli(a.TimestampMs).UTC(),
				Minimum:      a.Minimum,
				Maximum:      a.Maximum,
				Sum:          a.Sum,
				Count:        a.Count,
				IntegralNs:   a.IntegralNs,
				ActiveTime:   time.Duration(a.ActiveTime),
				Mean:         mean,
				MeanIntegral: meanIntegral,
			}
		}
	default:
		resp.Mode = schema.ModeEmpty
	}
	return resp, nil
}

func (c *AMQPClient) HistoryAggregate(ctx context.Context, metric string, start, end time.Time) (*schema.AnalyzeRecord, error) {
	req := historyRequest{
		Function: "history_aggregate",
		Target:   metric,
		Token:    c.cfg.Token,
		Start:    start.UTC().Format(time.RFC3339Nano),
		End:      end.UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply, err := c.rpc(ctx, c.cfg.HistoryExchange, metric, body)
	if err != nil {
		return nil, err
	}

	var wire struct {
		historyAggregateWire
		RequestDuration float64 `json:"request_duration"`
		Null            bool    `json:"null"`
	}
	if err := json.Unmarshal(reply, &wire); err != nil {
		return nil, fmt.Errorf("bus: decode aggregate response: %w", err)
	}
	if wire.Null {
		return nil, nil
	}

	var mean, meanIntegral float64
	if wire.Count > 0 {
		mean = wire.Sum / float64(wire.Count)
		meanIntegral = wire.IntegralNs / float64(wire.ActiveTimeNs)
	}

	return &schema.AnalyzeRecord{
		Target:           metric,
		TimeMeasurements: schema.TimeMeasurements{DB: wire.RequestDuration},
		Minimum:          wire.Minimum,
		Maximum:          wire.Maximum,
		Sum:              wire.Sum,
		Count:            wire.Count,
		IntegralNs:       wire.IntegralNs,
		ActiveTimeNs:     wire.ActiveTimeNs,
		Mean:             mean,
		MeanIntegral:     meanIntegral,
	}, nil
}

type metricsRequest struct {
	Function string `json:"function"`
	Token    string `json:"token"`
	Selector string `json:"selector,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Metadata bool   `json:"metadata"`
	Historic bool   `json:"historic,omitempty"`
}

// infixSelector escapes an infix search term into the same anchored
// "optionally-dotted-prefix, then infix, then anything" regex the
// original adapter builds.
func infixSelector(infix string) string {
	return "^(.+\\.)?" + regexp.QuoteMeta(infix) + ".*$"
}

func (c *AMQPClient) GetMetrics(ctx context.Context, q MetricsQuery) (MetricsResult, error) {
	selector := q.Selector
	if selector == "" && q.Infix != "" {
		selector = infixSelector(q.Infix)
	}

	req := metricsRequest{
		Function: "get_metrics",
		Token:    c.cfg.Token,
		Selector: selector,
		Limit:    q.Limit,
		Metadata: q.Metadata,
		Historic: q.Historic,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return MetricsResult{}, err
	}

	reply, err := c.rpc(ctx, c.cfg.ManagementExchange, "get_metrics", body)
	if err != nil {
		return MetricsResult{}, err
	}

	if q.Metadata {
		var metadata map[string]schema.MetricMetadata
		if err := json.Unmarshal(reply, &metadata); err != nil {
			return MetricsResult{}, fmt.Errorf("bus: decode metrics metadata: %w", err)
		}
		return MetricsResult{Metadata: metadata}, nil
	}

	var names []string
	if err := json.Unmarshal(reply, &names); err != nil {
		return MetricsResult{}, fmt.Errorf("bus: decode metric names: %w", err)
	}
	return MetricsResult{Names: names}, nil
}
