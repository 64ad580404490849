package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"telly/internal/tale"
	logx "telly/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tales.json (snapshot, replaced atomically on every change)
//   - <prefix>.logs.jsonl (append-only JSON Lines, rewritten on delete/prune)
//
// Another process (the CLI) may rewrite the files; changes are picked up by
// comparing modification times before each operation. Concurrent writers
// from two processes can still lose an update, so deployments that edit
// tales while the daemon runs should prefer sqlite.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	talesPath string
	logsPath  string
	talesMod  time.Time
	logsMod   time.Time

	tales map[string]tale.Tale
	logs  []tale.LogEntry
}

type fileTale struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Action         string `json:"action"`
	ScheduleType   string `json:"schedule_type"`
	ScheduleValue  string `json:"schedule_value,omitempty"`
	DeliveryTarget string `json:"delivery_target,omitempty"`
	Query          string `json:"query,omitempty"`
	Enabled        bool   `json:"enabled"`
	CreatedAt      int64  `json:"created_at"`
	LastRunAt      *int64 `json:"last_run_at,omitempty"`
}

type fileLog struct {
	ID        string `json:"id"`
	TaleID    string `json:"tale_id"`
	Timestamp int64  `json:"ts"`
	Result    string `json:"result"`
	Success   bool   `json:"success"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		talesPath: prefix + ".tales.json",
		logsPath:  prefix + ".logs.jsonl",
		tales:     map[string]tale.Tale{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

// refreshLocked reloads whichever file changed on disk since it was last seen.
func (s *fileStore) refreshLocked() error {
	if st, err := os.Stat(s.talesPath); err == nil {
		if !st.ModTime().Equal(s.talesMod) {
			if err := s.loadTalesLocked(); err != nil {
				return err
			}
			s.talesMod = st.ModTime()
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if st, err := os.Stat(s.logsPath); err == nil {
		if !st.ModTime().Equal(s.logsMod) {
			if err := s.loadLogsLocked(); err != nil {
				return err
			}
			s.logsMod = st.ModTime()
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) loadTalesLocked() error {
	b, err := os.ReadFile(s.talesPath)
	if err != nil {
		return err
	}
	var rows []fileTale
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &rows); err != nil {
			return fmt.Errorf("decode %s: %w", s.talesPath, err)
		}
	}
	m := make(map[string]tale.Tale, len(rows))
	for _, r := range rows {
		m[r.ID] = r.toTale()
	}
	s.tales = m
	return nil
}

func (s *fileStore) loadLogsLocked() error {
	f, err := os.Open(s.logsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var out []tale.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r fileLog
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// A torn final line from a crash is skipped.
			continue
		}
		out = append(out, r.toEntry())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.logs = out
	return nil
}

func (s *fileStore) writeTalesLocked() error {
	rows := make([]fileTale, 0, len(s.tales))
	for _, t := range s.tales {
		rows = append(rows, toFileTale(t))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ID < rows[j].ID
	})
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.talesPath, b); err != nil {
		return err
	}
	if st, err := os.Stat(s.talesPath); err == nil {
		s.talesMod = st.ModTime()
	}
	return nil
}

func (s *fileStore) appendLogLocked(e tale.LogEntry) error {
	f, err := os.OpenFile(s.logsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(toFileLog(e)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.logs = append(s.logs, e)
	if st, err := os.Stat(s.logsPath); err == nil {
		s.logsMod = st.ModTime()
	}
	return nil
}

func (s *fileStore) rewriteLogsLocked(keep func(tale.LogEntry) bool) (int64, error) {
	kept := s.logs[:0:0]
	var removed int64
	var b strings.Builder
	for _, e := range s.logs {
		if !keep(e) {
			removed++
			continue
		}
		kept = append(kept, e)
		line, err := json.Marshal(toFileLog(e))
		if err != nil {
			return 0, err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if removed == 0 {
		return 0, nil
	}
	if err := writeAtomic(s.logsPath, []byte(b.String())); err != nil {
		return 0, err
	}
	s.logs = kept
	if st, err := os.Stat(s.logsPath); err == nil {
		s.logsMod = st.ModTime()
	}
	return removed, nil
}

func (s *fileStore) CreateTale(ctx context.Context, t tale.Tale) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	if _, ok := s.tales[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	return s.putTaleLocked(normalizeTale(t))
}

func (s *fileStore) UpdateTale(ctx context.Context, t tale.Tale) error {
	return s.mutate(ctx, t.ID, func(cur *tale.Tale) {
		cur.Name = t.Name
		cur.Action = t.Action
		cur.Schedule = t.Schedule
		cur.DeliveryTarget = t.DeliveryTarget
		cur.Query = t.Query
		cur.Enabled = t.Enabled
	})
}

func (s *fileStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.mutate(ctx, id, func(cur *tale.Tale) { cur.Enabled = enabled })
}

func (s *fileStore) UpdateLastRun(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(cur *tale.Tale) { advanceLastRun(cur, at) })
}

func (s *fileStore) mutate(ctx context.Context, id string, fn func(*tale.Tale)) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	cur, ok := s.tales[id]
	if !ok {
		return ErrNotFound
	}
	fn(&cur)
	return s.putTaleLocked(cur)
}

// putTaleLocked stores t and writes the snapshot. The in-memory copy is
// restored when the write fails, so memory never runs ahead of disk.
func (s *fileStore) putTaleLocked(t tale.Tale) error {
	prev, had := s.tales[t.ID]
	s.tales[t.ID] = t
	if err := s.writeTalesLocked(); err != nil {
		if had {
			s.tales[t.ID] = prev
		} else {
			delete(s.tales, t.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteTale(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	if _, ok := s.tales[id]; !ok {
		return ErrNotFound
	}
	prev := s.tales[id]
	delete(s.tales, id)
	if err := s.writeTalesLocked(); err != nil {
		s.tales[id] = prev
		return err
	}
	_, err := s.rewriteLogsLocked(func(e tale.LogEntry) bool { return e.TaleID != id })
	return err
}

func (s *fileStore) GetTale(ctx context.Context, id string) (tale.Tale, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return tale.Tale{}, err
	}
	t, ok := s.tales[id]
	if !ok {
		return tale.Tale{}, ErrNotFound
	}
	return cloneTale(t), nil
}

func (s *fileStore) ListTales(ctx context.Context) ([]tale.Tale, error) {
	return s.list(ctx, func(tale.Tale) bool { return true })
}

func (s *fileStore) ListEnabled(ctx context.Context) ([]tale.Tale, error) {
	return s.list(ctx, func(t tale.Tale) bool { return t.Enabled })
}

func (s *fileStore) list(ctx context.Context, keep func(tale.Tale) bool) ([]tale.Tale, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	out := make([]tale.Tale, 0, len(s.tales))
	for _, t := range s.tales {
		if keep(t) {
			out = append(out, cloneTale(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) AppendLog(ctx context.Context, e tale.LogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	if _, ok := s.tales[e.TaleID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.TaleID)
	}
	return s.appendLogLocked(e)
}

// RecordExecution appends the log line before replacing the snapshot. A crash
// between the two leaves last_run_at behind, so the tale runs again rather
// than being skipped. A failed snapshot write truncates the log line away
// again, so an error leaves neither change behind.
func (s *fileStore) RecordExecution(ctx context.Context, e tale.LogEntry, ranAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	cur, ok := s.tales[e.TaleID]
	if !ok {
		return ErrNotFound
	}
	var logSize int64
	if st, err := os.Stat(s.logsPath); err == nil {
		logSize = st.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := s.appendLogLocked(e); err != nil {
		return err
	}
	advanceLastRun(&cur, ranAt)
	if err := s.putTaleLocked(cur); err != nil {
		s.dropLastLogLocked(logSize)
		return err
	}
	return nil
}

// dropLastLogLocked undoes appendLogLocked by truncating the file to size.
func (s *fileStore) dropLastLogLocked(size int64) {
	if err := os.Truncate(s.logsPath, size); err != nil {
		s.log.Error("failed to roll back log line", logx.String("path", s.logsPath), logx.Err(err))
		return
	}
	if n := len(s.logs); n > 0 {
		s.logs = s.logs[:n-1]
	}
	if st, err := os.Stat(s.logsPath); err == nil {
		s.logsMod = st.ModTime()
	}
}

func (s *fileStore) LogsForTale(ctx context.Context, id string, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx, limit, func(e tale.LogEntry) bool { return e.TaleID == id })
}

func (s *fileStore) RecentLogs(ctx context.Context, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx, limit, func(tale.LogEntry) bool { return true })
}

func (s *fileStore) queryLogs(ctx context.Context, limit int, keep func(tale.LogEntry) bool) ([]tale.LogEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	var out []tale.LogEntry
	for _, e := range s.logs {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n := normLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *fileStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return 0, err
	}
	return s.rewriteLogsLocked(func(e tale.LogEntry) bool { return !e.Timestamp.Before(before) })
}

func advanceLastRun(t *tale.Tale, at time.Time) {
	at = at.Truncate(time.Millisecond)
	if t.LastRunAt == nil || at.After(*t.LastRunAt) {
		t.LastRunAt = &at
	}
}

func normalizeTale(t tale.Tale) tale.Tale {
	return toFileTale(t).toTale()
}

func cloneTale(t tale.Tale) tale.Tale {
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		t.LastRunAt = &v
	}
	return t
}

func toFileTale(t tale.Tale) fileTale {
	var last *int64
	if t.LastRunAt != nil {
		v := t.LastRunAt.UnixMilli()
		last = &v
	}
	return fileTale{
		ID:             t.ID,
		Name:           t.Name,
		Action:         string(t.Action),
		ScheduleType:   string(t.Schedule.Type),
		ScheduleValue:  t.Schedule.Value,
		DeliveryTarget: t.DeliveryTarget,
		Query:          t.Query,
		Enabled:        t.Enabled,
		CreatedAt:      t.CreatedAt.UnixMilli(),
		LastRunAt:      last,
	}
}

func (r fileTale) toTale() tale.Tale {
	return tale.Tale{
		ID:             r.ID,
		Name:           r.Name,
		Action:         tale.ActionKind(r.Action),
		Schedule:       tale.Schedule{Type: tale.ScheduleType(r.ScheduleType), Value: r.ScheduleValue},
		DeliveryTarget: r.DeliveryTarget,
		Query:          r.Query,
		Enabled:        r.Enabled,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
		LastRunAt:      fromMsPtr(r.LastRunAt),
	}
}

func toFileLog(e tale.LogEntry) fileLog {
	return fileLog{ID: e.ID, TaleID: e.TaleID, Timestamp: e.Timestamp.UnixMilli(), Result: e.Result, Success: e.Success}
}

func (r fileLog) toEntry() tale.LogEntry {
	return tale.LogEntry{ID: r.ID, TaleID: r.TaleID, Timestamp: time.UnixMilli(r.Timestamp), Result: r.Result, Success: r.Success}
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
