package offline

import "time"

// Config controls engine behavior. Zero-value fields fall back to defaults.
type Config struct {
	BatchSize   int           // operations dequeued per push round
	Concurrency int           // cross-entity parallel pushes per cycle
	Timeout     time.Duration // per network call
	Retry       RetryPolicy
	QuotaBytes  int64 // soft storage budget for the quota manager
}

// RetryPolicy controls failed-operation rescheduling.
type RetryPolicy struct {
	MaxRetries  int           // attempts before an operation is terminally failed
	BackoffBase time.Duration // delay after the first failure
	BackoffCap  time.Duration // ceiling for the exponential schedule
	Jitter      float64       // fraction of the delay randomized, 0..1
}

// DefaultConfig returns documented defaults: batches of 50, four parallel
// pushes, 15s call timeout, 5 retries with 2s base backoff capped at 60s.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		Concurrency: 4,
		Timeout:     15 * time.Second,
		Retry:       DefaultRetryPolicy(),
		QuotaBytes:  256 << 20,
	}
}

// DefaultRetryPolicy returns the default backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
		Jitter:      0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry = d.Retry
	}
	if c.QuotaBytes <= 0 {
		c.QuotaBytes = d.QuotaBytes
	}
	return c
}
