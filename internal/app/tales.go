package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"telly/internal/storage"
	"telly/internal/tale"
	"telly/internal/tale/policy"
	logx "telly/pkg/logx"
)

var ErrAmbiguous = errors.New("tale reference is ambiguous")

// Arming is the part of the timer backend CRUD needs. The CLI passes nil
// and leaves re-arming to the daemon's reconcile sweep.
type Arming interface {
	Arm(id string, sched tale.Schedule, lastRunAt *time.Time) error
	Disarm(id string) bool
}

// TaleService validates and persists tale edits and keeps the timer
// backend in step when one is attached.
type TaleService struct {
	store storage.Store
	arm   Arming
	log   logx.Logger
}

func NewTaleService(store storage.Store, arm Arming, log logx.Logger) *TaleService {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TaleService{store: store, arm: arm, log: log.With(logx.String("comp", "tales"))}
}

func (s *TaleService) Create(ctx context.Context, t tale.Tale) (tale.Tale, error) {
	if err := t.Validate(); err != nil {
		return tale.Tale{}, err
	}
	if err := s.store.CreateTale(ctx, t); err != nil {
		return tale.Tale{}, fmt.Errorf("create tale: %w", err)
	}
	s.log.Info("tale created", logx.String("tale_id", t.ID), logx.String("name", t.Name), logx.String("schedule", t.Schedule.String()))
	s.sync(t)
	return t, nil
}

// Update replaces the editable fields of t.ID. The stored creation time and
// last run are kept.
func (s *TaleService) Update(ctx context.Context, t tale.Tale) (tale.Tale, error) {
	if err := t.Validate(); err != nil {
		return tale.Tale{}, err
	}
	if err := s.store.UpdateTale(ctx, t); err != nil {
		return tale.Tale{}, fmt.Errorf("update tale %s: %w", t.ID, err)
	}
	got, err := s.store.GetTale(ctx, t.ID)
	if err != nil {
		return tale.Tale{}, fmt.Errorf("reload tale %s: %w", t.ID, err)
	}
	s.log.Info("tale updated", logx.String("tale_id", got.ID), logx.String("schedule", got.Schedule.String()), logx.Bool("enabled", got.Enabled))
	s.sync(got)
	return got, nil
}

func (s *TaleService) SetEnabled(ctx context.Context, id string, enabled bool) (tale.Tale, error) {
	if err := s.store.SetEnabled(ctx, id, enabled); err != nil {
		return tale.Tale{}, fmt.Errorf("set enabled %s: %w", id, err)
	}
	t, err := s.store.GetTale(ctx, id)
	if err != nil {
		return tale.Tale{}, fmt.Errorf("reload tale %s: %w", id, err)
	}
	s.log.Info("tale toggled", logx.String("tale_id", id), logx.Bool("enabled", enabled))
	s.sync(t)
	return t, nil
}

// Delete removes the tale and its logs. A run already in flight finishes
// and its log write is dropped.
func (s *TaleService) Delete(ctx context.Context, id string) error {
	if s.arm != nil {
		s.arm.Disarm(id)
	}
	if err := s.store.DeleteTale(ctx, id); err != nil {
		return fmt.Errorf("delete tale %s: %w", id, err)
	}
	s.log.Info("tale deleted", logx.String("tale_id", id))
	return nil
}

func (s *TaleService) Get(ctx context.Context, id string) (tale.Tale, error) {
	return s.store.GetTale(ctx, id)
}

// Find resolves ref as an exact id, then a unique id prefix, then a unique
// case-insensitive name.
func (s *TaleService) Find(ctx context.Context, ref string) (tale.Tale, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return tale.Tale{}, storage.ErrNotFound
	}
	t, err := s.store.GetTale(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return tale.Tale{}, err
	}
	all, err := s.store.ListTales(ctx)
	if err != nil {
		return tale.Tale{}, err
	}
	match := func(keep func(tale.Tale) bool) (tale.Tale, bool, error) {
		var found []tale.Tale
		for _, t := range all {
			if keep(t) {
				found = append(found, t)
			}
		}
		switch len(found) {
		case 0:
			return tale.Tale{}, false, nil
		case 1:
			return found[0], true, nil
		default:
			return tale.Tale{}, false, fmt.Errorf("%w: %q matches %d tales", ErrAmbiguous, ref, len(found))
		}
	}
	if t, ok, err := match(func(t tale.Tale) bool { return strings.HasPrefix(t.ID, ref) }); ok || err != nil {
		return t, err
	}
	if t, ok, err := match(func(t tale.Tale) bool { return strings.EqualFold(t.Name, ref) }); ok || err != nil {
		return t, err
	}
	return tale.Tale{}, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
}

func (s *TaleService) List(ctx context.Context) ([]tale.Tale, error) {
	return s.store.ListTales(ctx)
}

func (s *TaleService) Logs(ctx context.Context, id string, limit int) ([]tale.LogEntry, error) {
	return s.store.LogsForTale(ctx, id, limit)
}

func (s *TaleService) RecentLogs(ctx context.Context, limit int) ([]tale.LogEntry, error) {
	return s.store.RecentLogs(ctx, limit)
}

// sync arms enabled tales and disarms the rest. Arm errors are logged: the
// tale is saved either way and a malformed schedule simply never fires.
func (s *TaleService) sync(t tale.Tale) {
	if s.arm == nil {
		return
	}
	if !t.Enabled {
		s.arm.Disarm(t.ID)
		return
	}
	if err := s.arm.Arm(t.ID, t.Schedule, t.LastRunAt); err != nil {
		s.log.Warn("tale saved but not armed", logx.String("tale_id", t.ID), logx.Err(err))
	}
}

// PreviewTriggers lists up to n upcoming trigger times for t, assuming each
// one runs exactly on time. Once tales yield at most one entry.
func PreviewTriggers(p policy.Policy, t tale.Tale, now time.Time, n int) ([]time.Time, error) {
	var out []time.Time
	last := t.LastRunAt
	for len(out) < n {
		next, ok, err := p.NextTrigger(t.Schedule, last, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, next)
		if t.Schedule.Type == tale.ScheduleOnce {
			break
		}
		ran := next
		last = &ran
		if next.After(now) {
			now = next
		}
	}
	return out, nil
}
