// Package tale holds the tale and log entry model shared by the scheduler,
// the executor and the stores.
package tale

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "ONCE"
	ScheduleInterval ScheduleType = "INTERVAL"
	ScheduleDailyAt  ScheduleType = "DAILY_AT"
)

// ActionKind selects what a tale does when it fires.
// The wire names are kept stable because they travel in delivery payloads.
type ActionKind string

const (
	ActionTimeFetch      ActionKind = "TIME"
	ActionExternalSearch ActionKind = "EMAIL_JUGGLE"
)

// MaxIntervalMs is the longest INTERVAL that fits a time.Duration.
const MaxIntervalMs = math.MaxInt64 / int64(time.Millisecond)

// Schedule is a tagged value. Value carries integer milliseconds for
// INTERVAL, "HH:MM" for DAILY_AT and is ignored for ONCE.
type Schedule struct {
	Type  ScheduleType `json:"type"`
	Value string       `json:"value,omitempty"`
}

func Once() Schedule { return Schedule{Type: ScheduleOnce} }

func Interval(d time.Duration) Schedule {
	return Schedule{Type: ScheduleInterval, Value: strconv.FormatInt(d.Milliseconds(), 10)}
}

func DailyAt(hhmm string) Schedule { return Schedule{Type: ScheduleDailyAt, Value: hhmm} }

func (s Schedule) String() string {
	switch s.Type {
	case ScheduleOnce:
		return "once"
	case ScheduleInterval:
		if ms, err := strconv.ParseInt(strings.TrimSpace(s.Value), 10, 64); err == nil {
			return "every " + (time.Duration(ms) * time.Millisecond).String()
		}
		return "every " + s.Value + "ms"
	case ScheduleDailyAt:
		return "daily at " + s.Value
	default:
		return string(s.Type) + ":" + s.Value
	}
}

type Tale struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Action         ActionKind `json:"action"`
	Schedule       Schedule   `json:"schedule"`
	DeliveryTarget string     `json:"delivery_target,omitempty"`
	Query          string     `json:"query,omitempty"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// LogEntry records one execution attempt. Entries are never modified.
type LogEntry struct {
	ID        string    `json:"id"`
	TaleID    string    `json:"tale_id"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"`
	Success   bool      `json:"success"`
}

// New returns an enabled tale with a fresh id.
func New(name string, action ActionKind, sched Schedule) Tale {
	return Tale{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Action:    action,
		Schedule:  sched,
		Enabled:   true,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

// NewLogEntry builds a log entry for taleID stamped at ts.
func NewLogEntry(taleID string, ts time.Time, result string, success bool) LogEntry {
	return LogEntry{
		ID:        uuid.NewString(),
		TaleID:    taleID,
		Timestamp: ts,
		Result:    result,
		Success:   success,
	}
}

// HasDelivery reports whether results should be posted somewhere.
func (t Tale) HasDelivery() bool { return strings.TrimSpace(t.DeliveryTarget) != "" }

// Validate checks user input. Schedules that fail here can still reach the
// scheduler through a hand-edited store; the policy treats those as paused.
func (t Tale) Validate() error {
	var errs []error
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch t.Action {
	case ActionTimeFetch:
	case ActionExternalSearch:
		if strings.TrimSpace(t.Query) == "" {
			errs = append(errs, errors.New("query is required for "+string(ActionExternalSearch)))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown action %q", t.Action))
	}
	if err := t.Schedule.Validate(); err != nil {
		errs = append(errs, err)
	}
	if t.HasDelivery() {
		u, err := url.Parse(strings.TrimSpace(t.DeliveryTarget))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("delivery target must be an http(s) url: %q", t.DeliveryTarget))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the schedule value syntax only.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleOnce:
		return nil
	case ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(s.Value), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive number of milliseconds, got %q", s.Value)
		}
		if ms > MaxIntervalMs {
			return fmt.Errorf("interval must be at most %dms, got %q", MaxIntervalMs, s.Value)
		}
		return nil
	case ScheduleDailyAt:
		if _, _, err := ParseHHMM(s.Value); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// ParseHHMM parses a 24h "HH:MM" wall clock time.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || len(mm) != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return h, m, nil
}

// ParseSchedule reads the CLI shorthand: "once", "daily@HH:MM", "every:<duration>"
// or a bare duration.
func ParseSchedule(s string) (Schedule, error) {
	raw := strings.TrimSpace(s)
	low := strings.ToLower(raw)
	switch {
	case low == "once":
		return Once(), nil
	case strings.HasPrefix(low, "daily@"):
		sc := DailyAt(strings.TrimSpace(raw[len("daily@"):]))
		return sc, sc.Validate()
	case strings.HasPrefix(low, "every:"):
		raw = strings.TrimSpace(raw[len("every:"):])
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (want once, daily@HH:MM or a duration)", s)
	}
	if d < time.Millisecond {
		return Schedule{}, fmt.Errorf("interval must be at least 1ms, got %s", d)
	}
	return Interval(d), nil
}

// ParseAction accepts the wire names plus the short aliases used by the CLI.
func ParseAction(s string) (ActionKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TIME", "TIME_FETCH":
		return ActionTimeFetch, nil
	case "EMAIL_JUGGLE", "SEARCH", "EMAIL":
		return ActionExternalSearch, nil
	default:
		return "", fmt.Errorf("unknown action %q (want time or search)", s)
	}
}
