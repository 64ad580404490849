package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"telly/internal/tale"
	logx "telly/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const taleColumns = `id, name, action, schedule_type, schedule_value, delivery_target, query, enabled, created_at, last_run_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go through the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTale(ctx context.Context, t tale.Tale) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tales(`+taleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, string(t.Action), string(t.Schedule.Type), t.Schedule.Value,
		nullStr(t.DeliveryTarget), nullStr(t.Query), boolInt(t.Enabled), t.CreatedAt.UnixMilli(), msPtr(t.LastRunAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	return err
}

func (s *sqliteStore) UpdateTale(ctx context.Context, t tale.Tale) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tales SET name=?, action=?, schedule_type=?, schedule_value=?, delivery_target=?, query=?, enabled=?
		 WHERE id=?`,
		t.Name, string(t.Action), string(t.Schedule.Type), t.Schedule.Value,
		nullStr(t.DeliveryTarget), nullStr(t.Query), boolInt(t.Enabled), t.ID,
	)
	return affected(res, err)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tales SET enabled=? WHERE id=?`, boolInt(enabled), id)
	return affected(res, err)
}

func (s *sqliteStore) DeleteTale(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tale_logs WHERE tale_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tales WHERE id=?`, id)
	if err := affected(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetTale(ctx context.Context, id string) (tale.Tale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taleColumns+` FROM tales WHERE id=?`, id)
	t, err := scanTale(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return tale.Tale{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTales(ctx context.Context) ([]tale.Tale, error) {
	return s.queryTales(ctx, `SELECT `+taleColumns+` FROM tales ORDER BY created_at, id`)
}

func (s *sqliteStore) ListEnabled(ctx context.Context) ([]tale.Tale, error) {
	return s.queryTales(ctx, `SELECT `+taleColumns+` FROM tales WHERE enabled=1 ORDER BY created_at, id`)
}

func (s *sqliteStore) queryTales(ctx context.Context, q string, args ...any) ([]tale.Tale, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tale.Tale
	for rows.Next() {
		t, err := scanTale(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateLastRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tales SET last_run_at = MAX(COALESCE(last_run_at, 0), ?) WHERE id=?`, at.UnixMilli(), id)
	return affected(res, err)
}

func (s *sqliteStore) AppendLog(ctx context.Context, e tale.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tale_logs(id, tale_id, timestamp, result, success) VALUES(?,?,?,?,?)`,
		e.ID, e.TaleID, e.Timestamp.UnixMilli(), e.Result, boolInt(e.Success))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key") {
		return fmt.Errorf("%w: %s", ErrNotFound, e.TaleID)
	}
	return err
}

func (s *sqliteStore) RecordExecution(ctx context.Context, e tale.LogEntry, ranAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE tales SET last_run_at = MAX(COALESCE(last_run_at, 0), ?) WHERE id=?`, ranAt.UnixMilli(), e.TaleID)
	if err := affected(res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tale_logs(id, tale_id, timestamp, result, success) VALUES(?,?,?,?,?)`,
		e.ID, e.TaleID, e.Timestamp.UnixMilli(), e.Result, boolInt(e.Success)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LogsForTale(ctx context.Context, id string, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, tale_id, timestamp, result, success FROM tale_logs WHERE tale_id=? ORDER BY timestamp DESC, id LIMIT ?`,
		id, normLimit(limit))
}

func (s *sqliteStore) RecentLogs(ctx context.Context, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, tale_id, timestamp, result, success FROM tale_logs ORDER BY timestamp DESC, id LIMIT ?`,
		normLimit(limit))
}

func (s *sqliteStore) queryLogs(ctx context.Context, q string, args ...any) ([]tale.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tale.LogEntry
	for rows.Next() {
		var (
			e       tale.LogEntry
			ts      int64
			success int
		)
		if err := rows.Scan(&e.ID, &e.TaleID, &ts, &e.Result, &success); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tale_logs WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanTale reads one row selected with taleColumns.
func scanTale(scan func(dest ...any) error) (tale.Tale, error) {
	var (
		t                     tale.Tale
		action, sType, sValue string
		delivery, query       sql.NullString
		enabled               int
		created               int64
		lastRun               sql.NullInt64
	)
	if err := scan(&t.ID, &t.Name, &action, &sType, &sValue, &delivery, &query, &enabled, &created, &lastRun); err != nil {
		return tale.Tale{}, err
	}
	t.Action = tale.ActionKind(action)
	t.Schedule = tale.Schedule{Type: tale.ScheduleType(sType), Value: sValue}
	t.DeliveryTarget = delivery.String
	t.Query = query.String
	t.Enabled = enabled != 0
	t.CreatedAt = time.UnixMilli(created)
	if lastRun.Valid {
		t.LastRunAt = fromMsPtr(&lastRun.Int64)
	}
	return t, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
