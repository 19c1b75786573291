package engine

import "time"

// Tunables collects the engine's operational constants. All of them are
// configuration defaults, overridable from process config, not invariants.
type Tunables struct {
	// StepTimeout is the hard per-step handler cancellation boundary.
	StepTimeout time.Duration `json:"step_timeout"`

	// BackoffBase and BackoffCap bound the computed exponential backoff
	// between failed attempts of a step.
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`

	// DelayBuffer is the fixed safety margin added on top of a waiting
	// step's remaining backoff when computing a reenqueue delay.
	DelayBuffer time.Duration `json:"delay_buffer"`
	// DelayCap caps any computed reenqueue delay.
	DelayCap time.Duration `json:"delay_cap"`
	// WaitingDelay is the fallback reenqueue delay when no waiting step
	// carries an explicit backoff request.
	WaitingDelay time.Duration `json:"waiting_delay"`
	// ProbeDelay is the short reenqueue delay used while steps are still
	// in flight from a concurrent pass.
	ProbeDelay time.Duration `json:"probe_delay"`

	// PoolFraction is the share of the store's connection pool a single
	// concurrent pass may consume. MinConcurrency and MaxConcurrency are
	// hard bounds regardless of computed headroom.
	PoolFraction   float64 `json:"pool_fraction"`
	MinConcurrency int     `json:"min_concurrency"`
	MaxConcurrency int     `json:"max_concurrency"`
}

// DefaultTunables returns the engine defaults.
func DefaultTunables() Tunables {
	return Tunables{
		StepTimeout:    30 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		DelayBuffer:    5 * time.Second,
		DelayCap:       300 * time.Second,
		WaitingDelay:   60 * time.Second,
		ProbeDelay:     5 * time.Second,
		PoolFraction:   0.5,
		MinConcurrency: 1,
		MaxConcurrency: 12,
	}
}

// Concurrency computes the worker width for a concurrent pass given the
// store's connection pool size and current in-use count. The width never
// exceeds PoolFraction of the pool's free headroom and is clamped to
// [MinConcurrency, MaxConcurrency].
func (t Tunables) Concurrency(poolSize, inUse int) int {
	free := poolSize - inUse
	if free < 0 {
		free = 0
	}
	width := int(float64(free) * t.PoolFraction)
	if width < t.MinConcurrency {
		width = t.MinConcurrency
	}
	if width > t.MaxConcurrency {
		width = t.MaxConcurrency
	}
	return width
}
