package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/storage"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

var startTime = time.Now()

// StatsProvider is anything that can report store usage
type StatsProvider interface {
	Stats(ctx context.Context) (*storage.Stats, error)
}

// StorageUsage represents current storage usage stats
type StorageUsage struct {
	UsedBytes    uint64    `json:"used_bytes"`
	MaxBytes     int64     `json:"max_bytes,omitempty"`
	Observations uint64    `json:"observations"`
	Series       uint64    `json:"series"`
	Oldest       time.Time `json:"oldest,omitempty"`
	Newest       time.Time `json:"newest,omitempty"`
}

// StorageMonitor caches store statistics, since a badger scan walks every key.
type StorageMonitor struct {
	provider      StatsProvider
	maxBytes      int64
	cacheDuration time.Duration

	mu        sync.RWMutex
	cached    StorageUsage
	lastCheck time.Time
	now       func() time.Time
}

// NewStorageMonitor creates a storage monitor. maxBytes of 0 means unlimited.
func NewStorageMonitor(provider StatsProvider, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		provider:      provider,
		maxBytes:      maxBytes,
		cacheDuration: config.StorageStatsCacheDuration,
		now:           time.Now,
	}
}

// Usage returns current storage usage (cached)
func (sm *StorageMonitor) Usage(ctx context.Context) (StorageUsage, error) {
	sm.mu.RLock()
	if !sm.lastCheck.IsZero() && sm.now().Sub(sm.lastCheck) < sm.cacheDuration {
		usage := sm.cached
		sm.mu.RUnlock()
		return usage, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check another goroutine didn't just update it
	if !sm.lastCheck.IsZero() && sm.now().Sub(sm.lastCheck) < sm.cacheDuration {
		return sm.cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.StorageStatsTimeout)
	defer cancel()

	st, err := sm.provider.Stats(ctx)
	if err != nil {
		return StorageUsage{}, err
	}
	sm.cached = StorageUsage{
		UsedBytes:    st.SizeBytes,
		MaxBytes:     sm.maxBytes,
		Observations: st.TotalObservations,
		Series:       st.TotalSeries,
		Oldest:       st.OldestObservation,
		Newest:       st.NewestObservation,
	}
	sm.lastCheck = sm.now()
	return sm.cached, nil
}

// HealthResponse is the body of GET /v1/health
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Engine  engine.Health `json:"engine"`
	Storage *StorageUsage `json:"storage,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	eh := h.engine.Health()
	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Engine:  eh,
	}

	if h.opts.Storage != nil {
		usage, err := h.opts.Storage.Usage(r.Context())
		if err != nil {
			h.logger.Warn("failed to read storage usage", zap.Error(err))
		} else {
			resp.Storage = &usage
		}
	}

	status := http.StatusOK
	if !eh.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.respond.JSON(w, status, resp)
}
