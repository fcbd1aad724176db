package refresh

import (
	"sync"
	"time"
)

// Monitor tracks background refresh health
type Monitor struct {
	mu                sync.RWMutex
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastScan          ScanResult
	totalQueued       int
}

// NewMonitor creates a monitor that turns unhealthy when no scan has
// succeeded for staleAfter.
func NewMonitor(staleAfter time.Duration) *Monitor {
	return &Monitor{staleAfter: staleAfter}
}

// RecordSuccess records a completed scan
func (m *Monitor) RecordSuccess(res ScanResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
	m.lastScan = res
	m.totalQueued += res.Queued
}

// RecordFailure records a scan that could not finish
func (m *Monitor) RecordFailure(res ScanResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	m.lastScan = res
	m.totalQueued += res.Queued
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy reports whether refresh is keeping up.
// Unhealthy when no scan ever succeeded, the last success is older than
// staleAfter, or more than 3 scans failed in a row.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *Monitor) healthyLocked() bool {
	if m.lastSuccess.IsZero() {
		return false
	}
	if m.staleAfter > 0 && time.Since(m.lastSuccess) > m.staleAfter {
		return false
	}
	return m.consecutiveErrors <= 3
}

// Status is the refresh health summary served by the health endpoint
type Status struct {
	Healthy           bool       `json:"healthy"`
	LastSuccess       string     `json:"last_success,omitempty"`
	TimeSinceSuccess  string     `json:"time_since_success,omitempty"`
	LastAttempt       string     `json:"last_attempt,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastScan          ScanResult `json:"last_scan"`
	TotalQueued       int        `json:"total_queued"`
}

// Status returns the current refresh status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Healthy:     m.healthyLocked(),
		LastScan:    m.lastScan,
		TotalQueued: m.totalQueued,
	}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).Round(time.Millisecond).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
