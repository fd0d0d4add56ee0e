package consts

import "time"

// Pool defaults. The durable and volatile variants deliberately carry
// independent refill policies; see config.PoolConfig.
const (
	DefaultFailureThreshold    = 10
	DefaultMinAvailableDurable = 5
	DefaultMinAvailableMemory  = 3
	DefaultRefreshInterval     = 10 * time.Minute
	DefaultRetention           = 30 * 24 * time.Hour
	DefaultSweepInterval       = 12 * time.Hour
)

// Dispatch defaults.
const (
	DefaultMaxAttempts     = 3
	DefaultBatchSize       = 5
	DefaultAttemptTimeout  = 8 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
)

// Validator defaults.
const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultMaxConcurrency = 10
	DefaultMinSuccesses   = 5
	DefaultProbeURL       = "https://www.google.com/generate_204"
)

// AdvisoryLockID guards schema migrations so only one process touches
// the schema at a time.
const AdvisoryLockID int64 = 919420250301

// Source aggregation defaults.
const (
	DefaultFeedTimeout = 10 * time.Second
)
