package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"telly/internal/tale"
	logx "telly/pkg/logx"
)

// ParseMaintenanceSpec normalizes a housekeeping schedule.
//
// Supported forms:
//   - cron: "30 3 * * *", "@daily", "@every 6h"
//   - daily wall time: "03:30"
func ParseMaintenanceSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	h, m, err := tale.ParseHHMM(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '30 3 * * *', '@daily', or HH:MM)", raw)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// AddMaintenance registers a housekeeping job on the cron runner. Jobs with
// the same name are replaced. A run still in progress skips the next one.
func (s *Service) AddMaintenance(name, spec string, fn func(ctx context.Context)) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("job required")
	}
	norm, err := ParseMaintenanceSpec(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(norm); err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMaintenanceLocked(name)
	s.maint = append(s.maint, maintenanceDef{name: name, spec: norm, fn: fn})
	if s.c != nil {
		s.addMaintenanceLocked(&s.maint[len(s.maint)-1])
	}
	s.log.Debug("maintenance registered", logx.String("name", name), logx.String("spec", norm))
	return nil
}

// RemoveMaintenance unregisters a job by name.
func (s *Service) RemoveMaintenance(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeMaintenanceLocked(name)
}

func (s *Service) removeMaintenanceLocked(name string) bool {
	before := len(s.maint)
	s.maint = slices.DeleteFunc(s.maint, func(d maintenanceDef) bool {
		if d.name != name {
			return false
		}
		if d.entry != 0 && s.c != nil {
			s.c.Remove(d.entry)
		}
		return true
	})
	return len(s.maint) != before
}

func (s *Service) addMaintenanceLocked(d *maintenanceDef) {
	cl := cronLogger{s.log.With(logx.String("maintenance", d.name))}
	fn := d.fn
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		fn(ctx)
	}))
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("maintenance register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entry = id
}

// cronLogger feeds robfig/cron's key/value logging into logx. Its info
// chatter (wake, run, skip) lands at debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

var _ cron.Logger = cronLogger{}
