// Package constants defines magic numbers and default values used throughout interceptproxy.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	CleanupInterval       = 30 * time.Second
)

// Upstream dial retry policy: at most 2 retries within a 500ms budget.
const (
	MaxUpstreamDialAttempts = 3
	UpstreamRetryBudget     = 500 * time.Millisecond
)

// HTTP limits
const (
	DefaultMaxHeaderBytes = 256 * 1024       // 256KiB header section cap
	DefaultMaxLineLength  = 64 * 1024        // 64KiB request-line/header-line cap
	DefaultMaxBodyBytes   = 1024 * 1024 * 1024 * 1024 // 1TB, effectively unbounded unless configured
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024        // 4MB in-memory threshold before spilling to disk
	MaxRawBufferSize    = 100 * 1024 * 1024       // 100MB cap on a buffered (reviewed) response body
)

// Review / rendezvous defaults
const (
	DefaultVerdictTimeout    = 5 * time.Minute
	DefaultCertCacheCapacity = 1024
	StoreGracePeriod         = 30 * time.Second // stale-snapshot window in filter mode when the store is unreachable
)

// PKI defaults
const (
	RootCAValidity = 10 * 365 * 24 * time.Hour
	LeafValidity   = 397 * 24 * time.Hour
	RootCACommonName = "MITM Proxy Root"
)
