// Package action runs the work a tale describes and turns it into a Result.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"telly/internal/tale"
	"telly/internal/tale/policy"
	logx "telly/pkg/logx"
)

const (
	TimeLayout = "2006-01-02 15:04:05.000"

	DefaultSearchTimeout = 30 * time.Second
	DefaultMaxResults    = 50
)

// Searcher queries an external message store on behalf of the signed-in user.
type Searcher interface {
	IsAuthenticated() bool
	Search(ctx context.Context, query string, start, end time.Time, max int) ([]Item, error)
}

type Config struct {
	SearchTimeout time.Duration
	MaxResults    int
	// Location formats TIME results. Nil means time.Local.
	Location *time.Location
}

type Executor struct {
	cfg      Config
	searcher Searcher
	log      logx.Logger
}

// New returns an executor. searcher may be nil, in which case search tales
// report that nobody is signed in.
func New(cfg Config, searcher Searcher, log logx.Logger) *Executor {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, searcher: searcher, log: log.With(logx.String("comp", "action"))}
}

// Execute never fails: collaborator errors come back as error results.
func (e *Executor) Execute(ctx context.Context, t tale.Tale, now time.Time) Result {
	switch t.Action {
	case tale.ActionTimeFetch:
		return Simple(now.In(e.cfg.Location).Format(TimeLayout))
	case tale.ActionExternalSearch:
		return e.search(ctx, t, now)
	default:
		return Errorf("unknown action %q", t.Action)
	}
}

func (e *Executor) search(ctx context.Context, t tale.Tale, now time.Time) Result {
	query := strings.TrimSpace(t.Query)
	if query == "" {
		return Errorf("no search query configured")
	}
	if e.searcher == nil || !e.searcher.IsAuthenticated() {
		return Errorf("not signed in")
	}

	start := now.Add(-policy.SearchWindow(t.Schedule))
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	items, err := e.searcher.Search(sctx, query, start, now, e.cfg.MaxResults)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("search timed out after %s", e.cfg.SearchTimeout)
		}
		e.log.Warn("search failed", logx.String("tale", t.ID), logx.Err(err))
		return Errorf("%v", err)
	}
	e.log.Debug("search done", logx.String("tale", t.ID), logx.Int("items", len(items)),
		logx.Time("from", start), logx.Time("to", now))
	return Aggregate(fmt.Sprintf("Found %d emails", len(items)), len(items), items)
}
