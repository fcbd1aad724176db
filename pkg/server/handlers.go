package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/httpx"
	"github.com/nicktill/healthobs/pkg/rollup"
	"github.com/nicktill/healthobs/pkg/stats"
)

// PendingResponse is returned with 202 while a non-blocking read is computed
type PendingResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// TimeoutResponse is returned with 504, carrying the last known value when one exists
type TimeoutResponse struct {
	httpx.ErrorResponse
	Stale    *stats.PeriodStatistics `json:"stale,omitempty"`
	StaleAge string                  `json:"stale_age,omitempty"`
}

// handleStatistics handles GET /v1/statistics
// Query params:
//   - metric (required), granularity: day|week|month (default day)
//   - start (required): any date inside the period, YYYY-MM-DD
//   - mode: calendar|rolling; rolling weeks end at end (inclusive)
//   - source: repeated or comma-separated (default all sources)
//   - wait: false returns 202 at once if the value is not cached
//   - timeout: how long to wait, e.g. 2s
func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := periodKey(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	wait, err := optionalBool(q, "wait", true)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	timeout, err := waitTimeout(q, h.opts.RequestTimeout)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	canonical := key.Canonical()
	w.Header().Set("X-Period-Id", fmt.Sprintf("%016x", canonical.ID()))

	if !wait {
		s, err := h.engine.TryStatistics(key)
		if errors.Is(err, cache.ErrPending) {
			h.respond.JSON(w, http.StatusAccepted, PendingResponse{Status: "pending", Key: canonical.String()})
			return
		}
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		h.respond.JSON(w, http.StatusOK, s)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	s, err := h.engine.Statistics(ctx, key)
	if errors.Is(err, cache.ErrTimeout) {
		resp := TimeoutResponse{ErrorResponse: httpx.ErrorResponse{
			Error:   http.StatusText(http.StatusGatewayTimeout),
			Message: err.Error(),
		}}
		if stale, age, ok := h.engine.Stale(key); ok {
			resp.Stale = &stale
			resp.StaleAge = age.String()
		}
		h.respond.JSON(w, http.StatusGatewayTimeout, resp)
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, s)
}

// handleSeries handles GET /v1/series?metric=&granularity=&start=&end=
func (h *Handler) handleSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric, err := required(q, "metric")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rp, err := parseRange(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	series, err := h.engine.Series(ctx, metric, rp.sources, rp.granularity, rp.start, rp.end)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, series)
}

// handleCompare handles GET /v1/compare with the statistics params plus against=previous|year
func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := periodKey(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	cmp, err := h.engine.Compare(ctx, key, rollup.Against(q.Get("against")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, cmp)
}

// handleCorrelation handles GET /v1/correlation?metric_a=&metric_b=&granularity=&start=&end=&max_lag=
func (h *Handler) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, err := required(q, "metric_a")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	b, err := required(q, "metric_b")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rp, err := parseRange(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	maxLag, err := optionalInt(q, "max_lag", h.engine.CorrelationDefaults().MaxLag)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	res, err := h.engine.Correlation(ctx, correlation.Request{
		MetricA:     a,
		MetricB:     b,
		Sources:     rp.sources,
		Granularity: rp.granularity,
		Start:       rp.start,
		End:         rp.end,
		MaxLag:      maxLag,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, res)
}

// MatrixBody is the body of POST /v1/correlation/matrix
type MatrixBody struct {
	Metrics     []string `json:"metrics"`
	Sources     []string `json:"sources,omitempty"`
	Granularity string   `json:"granularity"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	MaxLag      *int     `json:"max_lag,omitempty"`
}

func (b MatrixBody) request(defaultLag int) (correlation.MatrixRequest, error) {
	g := stats.Granularity(b.Granularity)
	if g == "" {
		g = stats.Day
	}
	start, err := stats.ParseDate(b.Start)
	if err != nil {
		return correlation.MatrixRequest{}, err
	}
	end, err := stats.ParseDate(b.End)
	if err != nil {
		return correlation.MatrixRequest{}, err
	}
	lag := defaultLag
	if b.MaxLag != nil {
		lag = *b.MaxLag
	}
	return correlation.MatrixRequest{
		Metrics:     b.Metrics,
		Sources:     b.Sources,
		Granularity: g,
		Start:       start,
		End:         end,
		MaxLag:      lag,
	}, nil
}

// handleCorrelationMatrix handles POST /v1/correlation/matrix
func (h *Handler) handleCorrelationMatrix(w http.ResponseWriter, r *http.Request) {
	var body MatrixBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respond.Error(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	req, err := body.request(h.engine.CorrelationDefaults().MaxLag)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	m, err := h.engine.CorrelationMatrix(ctx, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, m)
}

// handleAnomalies handles GET /v1/anomalies?metric=&granularity=&start=&end=
func (h *Handler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric, err := required(q, "metric")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rp, err := parseRange(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	report, err := h.engine.Anomalies(ctx, anomaly.Request{
		Metric:      metric,
		Sources:     rp.sources,
		Granularity: rp.granularity,
		Start:       rp.start,
		End:         rp.end,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond.JSON(w, http.StatusOK, report)
}
