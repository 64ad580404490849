package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"telly/internal/tale"
	logx "telly/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	// The database may still be starting next to us; retry the schema a few times.
	for n := range 3 {
		_, err = pool.Exec(ctx, postgresSchema)
		if err == nil {
			break
		}
		log.Warn("postgres schema attempt failed", logx.Int("attempt", n+1), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(math.Pow(2, float64(n))) * time.Second):
		}
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not create tale tables: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) CreateTale(ctx context.Context, t tale.Tale) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tales(`+taleColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Name, string(t.Action), string(t.Schedule.Type), t.Schedule.Value,
		nullStr(t.DeliveryTarget), nullStr(t.Query), t.Enabled, t.CreatedAt.UnixMilli(), msPtr(t.LastRunAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	return err
}

func (s *postgresStore) UpdateTale(ctx context.Context, t tale.Tale) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tales SET name=$1, action=$2, schedule_type=$3, schedule_value=$4, delivery_target=$5, query=$6, enabled=$7
		 WHERE id=$8`,
		t.Name, string(t.Action), string(t.Schedule.Type), t.Schedule.Value,
		nullStr(t.DeliveryTarget), nullStr(t.Query), t.Enabled, t.ID,
	)
	return pgAffected(tag, err)
}

func (s *postgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tales SET enabled=$1 WHERE id=$2`, enabled, id)
	return pgAffected(tag, err)
}

func (s *postgresStore) DeleteTale(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tale_logs WHERE tale_id=$1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM tales WHERE id=$1`, id)
		return pgAffected(tag, err)
	})
}

func (s *postgresStore) GetTale(ctx context.Context, id string) (tale.Tale, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taleColumns+` FROM tales WHERE id=$1`, id)
	t, err := scanPgTale(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tale.Tale{}, ErrNotFound
	}
	return t, err
}

func (s *postgresStore) ListTales(ctx context.Context) ([]tale.Tale, error) {
	return s.queryTales(ctx, `SELECT `+taleColumns+` FROM tales ORDER BY created_at, id`)
}

func (s *postgresStore) ListEnabled(ctx context.Context) ([]tale.Tale, error) {
	return s.queryTales(ctx, `SELECT `+taleColumns+` FROM tales WHERE enabled ORDER BY created_at, id`)
}

func (s *postgresStore) queryTales(ctx context.Context, q string, args ...any) ([]tale.Tale, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tale.Tale
	for rows.Next() {
		t, err := scanPgTale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateLastRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tales SET last_run_at = GREATEST(COALESCE(last_run_at, 0), $1) WHERE id=$2`, at.UnixMilli(), id)
	return pgAffected(tag, err)
}

func (s *postgresStore) AppendLog(ctx context.Context, e tale.LogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tale_logs(id, tale_id, timestamp, result, success) VALUES($1,$2,$3,$4,$5)`,
		e.ID, e.TaleID, e.Timestamp.UnixMilli(), e.Result, e.Success)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrNotFound, e.TaleID)
	}
	return err
}

func (s *postgresStore) RecordExecution(ctx context.Context, e tale.LogEntry, ranAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tales SET last_run_at = GREATEST(COALESCE(last_run_at, 0), $1) WHERE id=$2`, ranAt.UnixMilli(), e.TaleID)
		if err := pgAffected(tag, err); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO tale_logs(id, tale_id, timestamp, result, success) VALUES($1,$2,$3,$4,$5)`,
			e.ID, e.TaleID, e.Timestamp.UnixMilli(), e.Result, e.Success)
		return err
	})
}

func (s *postgresStore) LogsForTale(ctx context.Context, id string, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, tale_id, timestamp, result, success FROM tale_logs WHERE tale_id=$1 ORDER BY timestamp DESC, id LIMIT $2`,
		id, normLimit(limit))
}

func (s *postgresStore) RecentLogs(ctx context.Context, limit int) ([]tale.LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, tale_id, timestamp, result, success FROM tale_logs ORDER BY timestamp DESC, id LIMIT $1`,
		normLimit(limit))
}

func (s *postgresStore) queryLogs(ctx context.Context, q string, args ...any) ([]tale.LogEntry, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tale.LogEntry
	for rows.Next() {
		var (
			e  tale.LogEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.TaleID, &ts, &e.Result, &e.Success); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tale_logs WHERE timestamp < $1`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPgTale(row pgx.Row) (tale.Tale, error) {
	var (
		t                     tale.Tale
		action, sType, sValue string
		delivery, query       *string
		created               int64
		lastRun               *int64
	)
	if err := row.Scan(&t.ID, &t.Name, &action, &sType, &sValue, &delivery, &query, &t.Enabled, &created, &lastRun); err != nil {
		return tale.Tale{}, err
	}
	t.Action = tale.ActionKind(action)
	t.Schedule = tale.Schedule{Type: tale.ScheduleType(sType), Value: sValue}
	if delivery != nil {
		t.DeliveryTarget = *delivery
	}
	if query != nil {
		t.Query = *query
	}
	t.CreatedAt = time.UnixMilli(created)
	t.LastRunAt = fromMsPtr(lastRun)
	return t, nil
}

func pgAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
