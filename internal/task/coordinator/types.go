package coordinator

import (
	"context"
	"time"

	"telly/internal/action"
	"telly/internal/tale"
	"telly/internal/task/engine"
)

const (
	DefaultMinGap       = 5 * time.Second
	DefaultGapCacheSize = 4096
	DefaultRunTimeout   = 2 * time.Minute
	defaultStoreTimeout = 10 * time.Second
)

// Outcome says what a trigger led to.
type Outcome string

const (
	OutcomeRan             Outcome = "ran"
	OutcomeNotDue          Outcome = "not_due"
	OutcomeSkippedGap      Outcome = "skipped_gap"
	OutcomeSkippedInFlight Outcome = "skipped_in_flight"
	OutcomeDisabled        Outcome = "disabled"
	OutcomeMissing         Outcome = "missing"
	OutcomeConfigError     Outcome = "config_error"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetTale(ctx context.Context, id string) (tale.Tale, error)
	AppendLog(ctx context.Context, e tale.LogEntry) error
	RecordExecution(ctx context.Context, e tale.LogEntry, ranAt time.Time) error
}

type Executor interface {
	Execute(ctx context.Context, t tale.Tale, now time.Time) action.Result
}

type Deliverer interface {
	Deliver(ctx context.Context, target string, t tale.Tale, r action.Result, now time.Time) string
}

// Arming is the timer backend as seen from here.
type Arming interface {
	Arm(id string, sched tale.Schedule, lastRunAt *time.Time) error
	Disarm(id string) bool
	Retry(id string, at time.Time) bool
}

type Pool interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	MinGap       time.Duration
	MinimumLead  time.Duration
	GapCacheSize int
	RunTimeout   time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// ExecutedEvent is the payload of tale.executed.
type ExecutedEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Success  bool          `json:"success"`
	Result   string        `json:"result"`
	Delivery string        `json:"delivery,omitempty"`
	Manual   bool          `json:"manual,omitempty"`
	Took     time.Duration `json:"took"`
}

// SkippedEvent is the payload of tale.skipped.
type SkippedEvent struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Reason Outcome   `json:"reason"`
}
