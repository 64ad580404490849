package scheduler

import (
	"time"

	"telly/internal/tale/policy"
)

const (
	// DefaultPeriodicGranularity is the smallest interval handed to the
	// periodic timer. Shorter intervals are chained.
	DefaultPeriodicGranularity = 15 * time.Minute

	DefaultMinChainInterval = 5 * time.Second
	DefaultMaxSleep         = 60 * time.Second
)

type Strategy string

const (
	StrategyOneShot  Strategy = "one_shot"
	StrategyPeriodic Strategy = "periodic"
	StrategyChained  Strategy = "chained"
)

// FireFunc receives a tale id and the instant the trigger was meant for.
// It runs on the timer goroutine and must not block.
type FireFunc func(id string, at time.Time)

type Config struct {
	Location *time.Location

	PeriodicGranularity time.Duration
	MinimumLead         time.Duration
	MinChainInterval    time.Duration

	// MaxSleep caps the one-shot loop's sleep so wall-clock jumps are noticed.
	MaxSleep time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

func withDefaults(cfg Config) Config {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PeriodicGranularity <= 0 {
		cfg.PeriodicGranularity = DefaultPeriodicGranularity
	}
	if cfg.MinimumLead <= 0 {
		cfg.MinimumLead = policy.DefaultMinimumLead
	}
	if cfg.MinChainInterval <= 0 {
		cfg.MinChainInterval = DefaultMinChainInterval
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultMaxSleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// ArmedInfo describes one armed tale.
type ArmedInfo struct {
	ID       string    `json:"id"`
	Strategy Strategy  `json:"strategy"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

type MaintenanceInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Timezone    string            `json:"timezone"`
	Armed       []ArmedInfo       `json:"armed"`
	Maintenance []MaintenanceInfo `json:"maintenance"`
}

// ArmEvent is the payload of tale.armed and tale.disarmed.
type ArmEvent struct {
	ID       string    `json:"id"`
	Strategy Strategy  `json:"strategy,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}
