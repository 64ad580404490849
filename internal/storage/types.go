package storage

import (
	"context"
	"errors"
	"time"

	"telly/internal/tale"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("tale not found")
	ErrExists   = errors.New("tale already exists")
)

// DefaultLogLimit is used when a log query passes limit <= 0.
const DefaultLogLimit = 100

// Config configures storage.
//
// Driver values:
//   - "file": Path is a file prefix, e.g. ./data/telly.json
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq style connection string or URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Store is the persistence contract used by the coordinator, the timer
// backend's recovery path and the CLI.
type Store interface {
	CreateTale(ctx context.Context, t tale.Tale) error
	// UpdateTale replaces the editable fields of an existing tale. ID,
	// CreatedAt and LastRunAt are left untouched.
	UpdateTale(ctx context.Context, t tale.Tale) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// DeleteTale removes the tale and all of its logs.
	DeleteTale(ctx context.Context, id string) error

	GetTale(ctx context.Context, id string) (tale.Tale, error)
	ListTales(ctx context.Context) ([]tale.Tale, error)
	ListEnabled(ctx context.Context) ([]tale.Tale, error)

	// UpdateLastRun stores max(current, at).
	UpdateLastRun(ctx context.Context, id string, at time.Time) error
	AppendLog(ctx context.Context, e tale.LogEntry) error
	// RecordExecution appends e and advances last_run_at to ranAt in one
	// unit: either both are visible afterwards or neither is.
	RecordExecution(ctx context.Context, e tale.LogEntry, ranAt time.Time) error

	// LogsForTale returns newest first.
	LogsForTale(ctx context.Context, id string, limit int) ([]tale.LogEntry, error)
	// RecentLogs returns newest first across all tales.
	RecentLogs(ctx context.Context, limit int) ([]tale.LogEntry, error)
	// PruneLogs deletes entries older than before and reports how many went.
	PruneLogs(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMsPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v)
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
