package transport

import "time"

// Config controls per-origin connection pool sizing and per-request
// timeouts. Both are computed once, up front, from the shape of the
// manifest the coordinator is about to fetch (spec section 4.1) — the
// client itself never re-derives them mid-run.
type Config struct {
	PoolSize       int
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// NewConfig computes pool size and timeout tiers from the number of
// manifest entries and their average expected size. A pure function so
// the sizing table can be tested in isolation from any network code.
func NewConfig(entryCount int, avgSize int64) Config {
	cfg := Config{}

	switch {
	case entryCount > 10000:
		cfg.PoolSize = 150
	case entryCount > 1000:
		cfg.PoolSize = 100
	default:
		cfg.PoolSize = 50
	}

	const (
		mib = 1 << 20
		kib = 1 << 10
	)

	switch {
	case avgSize > 5*mib:
		cfg.TotalTimeout = 300 * time.Second
		cfg.ConnectTimeout = 30 * time.Second
	case avgSize > 0 && avgSize < 100*kib:
		cfg.TotalTimeout = 60 * time.Second
		cfg.ConnectTimeout = 10 * time.Second
	default:
		cfg.TotalTimeout = 180 * time.Second
		cfg.ConnectTimeout = 15 * time.Second
	}

	return cfg
}
