package scheduler

import (
	"time"

	"telly/internal/tale"
	"telly/internal/tale/policy"
)

// SelectStrategy picks the timer strategy for a schedule. Malformed interval
// values fall back to chained; Arm reports the error.
func SelectStrategy(s tale.Schedule, granularity time.Duration) Strategy {
	if granularity <= 0 {
		granularity = DefaultPeriodicGranularity
	}
	switch s.Type {
	case tale.ScheduleInterval:
		every, err := policy.IntervalOf(s)
		if err == nil && every >= granularity {
			return StrategyPeriodic
		}
		return StrategyChained
	default:
		return StrategyOneShot
	}
}
