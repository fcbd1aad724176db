package config

import "time"

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultDataDir         = "./data/healthobs"
	DefaultMaxMemoryMB     = 48
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Storage maintenance
const (
	BadgerGCInterval    = 10 * time.Minute
	BadgerDiscardRatio  = 0.5
	StorageStatsTimeout = 5 * time.Second
)

// Query defaults and limits
const (
	// StatisticsWaitTimeout bounds how long a blocking statistics request waits
	StatisticsWaitTimeout = 2 * time.Second
	// MaxSeriesPeriods bounds the periods one series or analysis request may span
	MaxSeriesPeriods = 3660
)

// Import limits
const (
	ImportTimeout      = 60 * time.Second
	ImportBatchSize    = 5000
	MaxImportBodyBytes = 64 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSWaitTimeout     = 5 * time.Minute
)

// WSPingInterval keeps subscription connections alive while a result is computed
const WSPingInterval = 30 * time.Second

// StorageStatsCacheDuration bounds how often health checks hit the store for usage stats
const StorageStatsCacheDuration = 10 * time.Second
