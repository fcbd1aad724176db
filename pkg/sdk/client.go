package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/rollup"
	"github.com/nicktill/healthobs/pkg/sdk/batch"
	"github.com/nicktill/healthobs/pkg/sdk/transport"
	"github.com/nicktill/healthobs/pkg/stats"
)

// ErrPending is returned by non-blocking reads the server has only scheduled
var ErrPending = errors.New("statistics pending")

// ClientConfig holds configuration for the healthobs client
type ClientConfig struct {
	// Endpoint is the server base URL
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`

	// Source is the default source for Record
	Source string `json:"source"`

	FlushEvery   time.Duration `json:"flush_every"`
	MaxBatchSize int           `json:"max_batch_size"`
	Timeout      time.Duration `json:"timeout"`

	HTTPClient *http.Client `json:"-"`
	Logger     *zap.Logger  `json:"-"`
}

// Client records observations in batches and reads statistics back
type Client struct {
	config    ClientConfig
	base      *url.URL
	http      *http.Client
	transport *transport.HTTPTransport
	batcher   *batch.Batcher
	logger    *zap.Logger

	started atomic.Bool
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	trans := transport.NewHTTP(base.String()+"/v1/import", cfg.APIKey, httpClient)
	return &Client{
		config:    cfg,
		base:      base,
		http:      httpClient,
		transport: trans,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
			Logger:       logger,
		}),
		logger: logger.Named("sdk"),
	}, nil
}

// Start begins periodic delivery of recorded observations
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("client already started")
	}
	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	return nil
}

// Stop flushes whatever is still queued
func (c *Client) Stop() error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	err := c.batcher.Stop()
	st := c.batcher.Stats()
	c.logger.Info("client stopped", zap.Int64("sent", st.Sent), zap.Int64("failed", st.Failed))
	if err != nil {
		return fmt.Errorf("failed to flush observations: %w", err)
	}
	return nil
}

// Flush delivers queued observations now
func (c *Client) Flush(ctx context.Context) error {
	return c.batcher.Flush(ctx)
}

// Delivery returns batcher counters
func (c *Client) Delivery() batch.Stats {
	return c.batcher.Stats()
}

// Record queues an observation from the default source
func (c *Client) Record(metric string, t time.Time, v float64) {
	c.RecordFrom(c.config.Source, metric, t, v)
}

// RecordFrom queues an observation. NaN records an explicit missing value.
func (c *Client) RecordFrom(source, metric string, t time.Time, v float64) {
	o := ingest.WireObservation{Timestamp: t, Source: source, Metric: metric}
	if !math.IsNaN(v) {
		o.Value = &v
	}
	c.batcher.Add(o)
}

// Import sends observations synchronously, bypassing the batcher
func (c *Client) Import(ctx context.Context, observations []ingest.WireObservation) (*ingest.Result, error) {
	return c.transport.Send(ctx, observations)
}

// StatisticsQuery selects one period
type StatisticsQuery struct {
	Metric      string
	Sources     []string
	Granularity stats.Granularity
	// Date is any date inside the period; for rolling weeks it is the last day
	Date time.Time
	Mode stats.Mode

	// NoWait returns ErrPending at once when the value is not cached
	NoWait bool
	// Timeout bounds the server-side wait. Zero uses the server default.
	Timeout time.Duration
}

func (q StatisticsQuery) values() url.Values {
	v := url.Values{}
	v.Set("metric", q.Metric)
	if q.Granularity != "" {
		v.Set("granularity", string(q.Granularity))
	}
	v.Set("start", stats.FormatDate(q.Date))
	if q.Mode != "" {
		v.Set("mode", string(q.Mode))
	}
	if q.Mode == stats.Rolling {
		v.Set("end", stats.FormatDate(q.Date))
	}
	for _, s := range q.Sources {
		v.Add("source", s)
	}
	if q.NoWait {
		v.Set("wait", "false")
	}
	if q.Timeout > 0 {
		v.Set("timeout", q.Timeout.String())
	}
	return v
}

func rangeValues(metric string, g stats.Granularity, start, end time.Time) url.Values {
	v := url.Values{}
	if metric != "" {
		v.Set("metric", metric)
	}
	if g != "" {
		v.Set("granularity", string(g))
	}
	v.Set("start", stats.FormatDate(start))
	v.Set("end", stats.FormatDate(end))
	return v
}

// Statistics reads one period's statistics
func (c *Client) Statistics(ctx context.Context, q StatisticsQuery) (stats.PeriodStatistics, error) {
	var s stats.PeriodStatistics
	err := c.get(ctx, "/v1/statistics", q.values(), &s)
	return s, err
}

// Series reads consecutive periods covering [start, end)
func (c *Client) Series(ctx context.Context, metric string, g stats.Granularity, start, end time.Time) ([]stats.PeriodStatistics, error) {
	var series []stats.PeriodStatistics
	err := c.get(ctx, "/v1/series", rangeValues(metric, g, start, end), &series)
	return series, err
}

// Compare reads a period against its predecessor or the same period a year ago
func (c *Client) Compare(ctx context.Context, q StatisticsQuery, against rollup.Against) (rollup.Comparison, error) {
	v := q.values()
	v.Set("against", string(against))
	var cmp rollup.Comparison
	err := c.get(ctx, "/v1/compare", v, &cmp)
	return cmp, err
}

// Correlation reads the lagged correlation of two metrics. A negative maxLag uses the server default.
func (c *Client) Correlation(ctx context.Context, a, b string, g stats.Granularity, start, end time.Time, maxLag int) (correlation.Result, error) {
	v := rangeValues("", g, start, end)
	v.Set("metric_a", a)
	v.Set("metric_b", b)
	if maxLag >= 0 {
		v.Set("max_lag", strconv.Itoa(maxLag))
	}
	var res correlation.Result
	err := c.get(ctx, "/v1/correlation", v, &res)
	return res, err
}

// Anomalies reads the anomaly report for periods in [start, end)
func (c *Client) Anomalies(ctx context.Context, metric string, g stats.Granularity, start, end time.Time) (anomaly.Report, error) {
	var report anomaly.Report
	err := c.get(ctx, "/v1/anomalies", rangeValues(metric, g, start, end), &report)
	return report, err
}

// HealthStatus is the summary part of the health report
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health reads the server health summary. A degraded server is not an error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	resp, err := c.do(ctx, "/v1/health", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return HealthStatus{}, transport.ErrorFromResponse(resp)
	}
	var h HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return HealthStatus{}, fmt.Errorf("failed to decode health response: %w", err)
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	case http.StatusAccepted:
		return ErrPending
	default:
		return transport.ErrorFromResponse(resp)
	}
}
