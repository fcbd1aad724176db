package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/rollup"
	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage"
	"github.com/nicktill/healthobs/pkg/storage/memory"
	"github.com/nicktill/healthobs/pkg/worker"
)

func day(month time.Month, d int) time.Time {
	return time.Date(2024, month, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store  *memory.Storage
	engine *engine.Engine
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	reg := prometheus.NewRegistry()

	e, err := engine.New(store, engine.Config{
		Pool:           worker.Config{InteractiveWorkers: 4, BackgroundWorkers: 1, QueueSize: 256},
		Retry:          cache.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		DisableRefresh: true,
		Registerer:     reg,
		Logger:         logger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	importer := ingest.NewImporter(store, e, ingest.Config{Logger: logger})
	h := NewHandler(e, ingest.NewHandler(importer, logger), Options{
		Gatherer:       reg,
		Storage:        NewStorageMonitor(store, 0),
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	return &fixture{store: store, engine: e, router: h.Router()}
}

func (f *fixture) fill(t *testing.T, metric string, from, to time.Time, value func(i int) float64) {
	t.Helper()
	var obs []storage.Observation
	for i, d := 0, from; d.Before(to); i, d = i+1, d.AddDate(0, 0, 1) {
		obs = append(obs, storage.Observation{
			Timestamp: d.Add(12 * time.Hour),
			Source:    "watch",
			Metric:    metric,
			Value:     value(i),
		})
	}
	require.NoError(t, f.store.Write(context.Background(), obs))
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func constant(v float64) func(int) float64 {
	return func(int) float64 { return v }
}

func TestStatisticsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "heart_rate", day(1, 1), day(1, 8), constant(60))

	rr := f.do(t, http.MethodGet, "/v1/statistics?metric=heart_rate&granularity=week&start=2024-01-03", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, rr.Header().Get("X-Period-Id"), 16)

	var s stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
	assert.Equal(t, int64(7), s.Count)
	assert.Equal(t, stats.Some(60), s.Mean)
	assert.Equal(t, day(1, 1), s.Key.Start)
	assert.False(t, s.Missing)
}

func TestStatisticsEndpoint_Rolling(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "heart_rate", day(1, 1), day(1, 15), func(i int) float64 { return float64(i) })

	// rolling week ending on Jan 10 covers Jan 4..10, values 3..9
	rr := f.do(t, http.MethodGet, "/v1/statistics?metric=heart_rate&granularity=week&mode=rolling&start=2024-01-04&end=2024-01-10", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var s stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
	assert.Equal(t, int64(7), s.Count)
	assert.InDelta(t, 6.0, s.Mean.Value, 1e-12)
	assert.Equal(t, stats.Rolling, s.Key.Mode)

	rr = f.do(t, http.MethodGet, "/v1/statistics?metric=heart_rate&granularity=month&mode=rolling&start=2024-01-04", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatisticsEndpoint_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing metric", "granularity=day&start=2024-01-01"},
		{"missing start", "metric=steps"},
		{"bad date", "metric=steps&start=01/02/2024"},
		{"bad granularity", "metric=steps&granularity=hour&start=2024-01-01"},
		{"bad mode", "metric=steps&mode=sliding&start=2024-01-01"},
		{"bad wait", "metric=steps&start=2024-01-01&wait=maybe"},
		{"bad timeout", "metric=steps&start=2024-01-01&timeout=-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/v1/statistics?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestStatisticsEndpoint_NoWait(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "steps", day(2, 1), day(2, 2), constant(9000))

	target := "/v1/statistics?metric=steps&start=2024-02-01&wait=false"
	rr := f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	var pending PendingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	assert.Equal(t, "pending", pending.Status)

	require.Eventually(t, func() bool {
		return f.do(t, http.MethodGet, target, "").Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSeriesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "steps", day(1, 1), day(1, 15), func(i int) float64 { return float64(i) })

	rr := f.do(t, http.MethodGet, "/v1/series?metric=steps&granularity=week&start=2024-01-01&end=2024-01-22", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var series []stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &series))
	require.Len(t, series, 3)
	assert.InDelta(t, 3.0, series[0].Mean.Value, 1e-12)
	assert.True(t, series[2].Missing)
	assert.False(t, series[2].Mean.Valid)

	rr = f.do(t, http.MethodGet, "/v1/series?metric=steps&start=2024-01-05&end=2024-01-05", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCompareEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "steps", day(1, 1), day(1, 8), constant(100))
	f.fill(t, "steps", day(1, 8), day(1, 15), constant(120))

	rr := f.do(t, http.MethodGet, "/v1/compare?metric=steps&granularity=week&start=2024-01-08&against=previous", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var cmp rollup.Comparison
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cmp))
	assert.True(t, cmp.Available)
	assert.InDelta(t, 0.2, cmp.Growth.Value, 1e-12)

	rr = f.do(t, http.MethodGet, "/v1/compare?metric=steps&granularity=week&start=2024-01-08&against=decade", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCorrelationEndpoints(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "steps", day(1, 1), day(1, 16), func(i int) float64 { return float64(1000 * i) })
	f.fill(t, "calories", day(1, 1), day(1, 16), func(i int) float64 { return float64(2*i + 1) })
	f.fill(t, "resting_hr", day(1, 1), day(1, 16), func(i int) float64 { return float64(80 - i) })

	rr := f.do(t, http.MethodGet, "/v1/correlation?metric_a=steps&metric_b=calories&start=2024-01-01&end=2024-01-16&max_lag=2", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res correlation.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 15, res.N)
	assert.InDelta(t, 1.0, res.Coefficient.Value, 1e-9)
	assert.Len(t, res.Lags, 5)

	rr = f.do(t, http.MethodGet, "/v1/correlation?metric_a=steps&metric_b=steps&start=2024-01-01&end=2024-01-16", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/correlation?metric_a=steps&metric_b=calories&start=2024-01-01&end=2024-01-16&max_lag=500", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/correlation/matrix", `{"metrics": ["steps", "calories"], "start": "2024-01-01", "end": "2024-01-16", "max_lag": 500}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body := `{"metrics": ["steps", "calories", "resting_hr"], "granularity": "day", "start": "2024-01-01", "end": "2024-01-16", "max_lag": 0}`
	rr = f.do(t, http.MethodPost, "/v1/correlation/matrix", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var m correlation.Matrix
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Len(t, m.Coefficients, 3)
	assert.InDelta(t, 1.0, m.Coefficients[0][1].Value, 1e-9)
	assert.InDelta(t, -1.0, m.Coefficients[0][2].Value, 1e-9)

	rr = f.do(t, http.MethodPost, "/v1/correlation/matrix", "{")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/correlation/matrix", `{"metrics": ["steps"], "start": "2024-01-01", "end": "2024-01-16"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnomaliesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "resting_hr", day(1, 1), day(1, 31), func(i int) float64 {
		if i%2 == 0 {
			return 59
		}
		return 61
	})
	f.fill(t, "resting_hr", day(1, 31), day(2, 1), constant(70))

	rr := f.do(t, http.MethodGet, "/v1/anomalies?metric=resting_hr&start=2024-01-31&end=2024-02-01", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report anomaly.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "resting_hr", report.Metric)
	require.Len(t, report.Statistical, 1)
	assert.Equal(t, day(1, 31), report.Statistical[0].Period)
	assert.Equal(t, anomaly.High, report.Statistical[0].Severity)

	rr = f.do(t, http.MethodGet, "/v1/anomalies?start=2024-01-31&end=2024-02-01", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImportInvalidatesStatistics(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "heart_rate", day(1, 1), day(1, 8), constant(60))

	target := "/v1/statistics?metric=heart_rate&granularity=week&start=2024-01-01"
	rr := f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := `{"observations": [{"timestamp": "2024-01-03T18:00:00Z", "source": "watch", "metric": "heart_rate", "value": 68}]}`
	rr = f.do(t, http.MethodPost, "/v1/import", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var s stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
	assert.Equal(t, int64(8), s.Count)
	assert.InDelta(t, 61.0, s.Mean.Value, 1e-12)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "steps", day(1, 1), day(1, 3), constant(1))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/statistics?metric=steps&start=2024-01-01", "").Code)

	rr := f.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)
	require.NotNil(t, health.Storage)
	assert.Equal(t, uint64(2), health.Storage.Observations)

	rr = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthobs_cache_misses_total")
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	f.fill(t, "heart_rate", day(1, 1), day(1, 8), constant(60))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(base+"/v1/subscribe?metric=heart_rate&granularity=week&start=2024-01-01", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg SubscriptionMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Empty(t, msg.Error)
	require.NotNil(t, msg.Statistics)
	assert.Equal(t, int64(7), msg.Statistics.Count)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/v1/subscribe?metric=heart_rate&granularity=hour&start=2024-01-01", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// fakeEngine returns canned errors; unimplemented methods panic
type fakeEngine struct {
	Engine
	err     error
	stale   *stats.PeriodStatistics
	healthy bool
}

func (e *fakeEngine) Statistics(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	return stats.PeriodStatistics{}, e.err
}

func (e *fakeEngine) TryStatistics(key stats.PeriodKey) (stats.PeriodStatistics, error) {
	return stats.PeriodStatistics{}, e.err
}

func (e *fakeEngine) Stale(key stats.PeriodKey) (stats.PeriodStatistics, time.Duration, bool) {
	if e.stale == nil {
		return stats.PeriodStatistics{}, 0, false
	}
	return *e.stale, 90 * time.Second, true
}

func (e *fakeEngine) Health() engine.Health {
	return engine.Health{Healthy: e.healthy}
}

func TestStatisticsErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: bad", stats.ErrInvalidRange), http.StatusBadRequest},
		{"timeout", cache.ErrTimeout, http.StatusGatewayTimeout},
		{"computation", fmt.Errorf("stats|steps: %w", cache.ErrComputationFailure), http.StatusBadGateway},
		{"closed", cache.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeEngine{err: tt.err}, nil, Options{Logger: zaptest.NewLogger(t)})
			rr := httptest.NewRecorder()
			h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/statistics?metric=steps&start=2024-01-01", nil))
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestStatisticsTimeoutServesStale(t *testing.T) {
	stale := stats.PeriodStatistics{Count: 3, Mean: stats.Some(42)}
	h := NewHandler(&fakeEngine{err: cache.ErrTimeout, stale: &stale}, nil, Options{})

	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/statistics?metric=steps&start=2024-01-01&timeout=10ms", nil))
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)

	var resp TimeoutResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Stale)
	assert.Equal(t, stats.Some(42), resp.Stale.Mean)
	assert.Equal(t, "1m30s", resp.StaleAge)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHandler(&fakeEngine{healthy: false}, nil, Options{})
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"degraded"`)
}

func TestImportRouteDisabledWithoutImporter(t *testing.T) {
	h := NewHandler(&fakeEngine{healthy: true}, nil, Options{})
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type countingProvider struct {
	calls atomic.Int64
}

func (p *countingProvider) Stats(ctx context.Context) (*storage.Stats, error) {
	p.calls.Add(1)
	return &storage.Stats{SizeBytes: 1024, TotalObservations: 10}, nil
}

func TestStorageMonitorCachesUsage(t *testing.T) {
	p := &countingProvider{}
	sm := NewStorageMonitor(p, 1<<20)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	for range 3 {
		usage, err := sm.Usage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1024), usage.UsedBytes)
		assert.Equal(t, int64(1<<20), usage.MaxBytes)
	}
	assert.Equal(t, int64(1), p.calls.Load())

	now = now.Add(time.Minute)
	_, err := sm.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.calls.Load())
}
