package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "invtasks/pkg/logx"
)

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for dialects that number them.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

func (s *sqlStore) Driver() string { return s.dialect }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotReady
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	return res, mapError(err)
}

func (s *sqlStore) affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *sqlStore) ScheduleExists(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNotReady
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM schedules WHERE name = ?`), name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (s *sqlStore) UpsertSchedule(ctx context.Context, e ScheduleEntry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("encode schedule args: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO schedules(name, func, schedule_type, minutes, cron, next_run, repeats, args)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   func=excluded.func,
		   schedule_type=excluded.schedule_type,
		   minutes=excluded.minutes,
		   cron=excluded.cron,
		   next_run=excluded.next_run,
		   repeats=excluded.repeats,
		   args=excluded.args`,
		e.Name, e.Func, e.ScheduleType, e.Minutes, e.Cron, nullMillis(e.NextRun), e.Repeats, string(args),
	)
	return err
}

const scheduleColumns = `name, func, schedule_type, minutes, cron, next_run, repeats, args`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (ScheduleEntry, error) {
	var (
		e       ScheduleEntry
		nextRun sql.NullInt64
		args    sql.NullString
	)
	if err := row.Scan(&e.Name, &e.Func, &e.ScheduleType, &e.Minutes, &e.Cron, &nextRun, &e.Repeats, &args); err != nil {
		return ScheduleEntry{}, err
	}
	if nextRun.Valid {
		e.NextRun = time.UnixMilli(nextRun.Int64)
	}
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &e.Args); err != nil {
			return ScheduleEntry{}, fmt.Errorf("decode schedule args for %q: %w", e.Name, err)
		}
	}
	return e, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, name string) (ScheduleEntry, error) {
	if s == nil || s.db == nil {
		return ScheduleEntry{}, ErrNotReady
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`), name)
	e, err := scanSchedule(row)
	if err != nil {
		return ScheduleEntry{}, mapError(err)
	}
	return e, nil
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotReady
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, e)
	}
	return out, mapError(rows.Err())
}

func (s *sqlStore) ConsumeRepeat(ctx context.Context, name string) (remaining int, ok bool, err error) {
	if s == nil || s.db == nil {
		return 0, false, ErrNotReady
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var repeats int
	if err = tx.QueryRowContext(ctx, s.q(`SELECT repeats FROM schedules WHERE name = ?`), name).Scan(&repeats); err != nil {
		return 0, false, mapError(err)
	}
	remaining, ok, keep := spendRepeat(repeats)
	switch {
	case repeats < 0:
	case keep:
		_, err = tx.ExecContext(ctx, s.q(`UPDATE schedules SET repeats = ? WHERE name = ?`), remaining, name)
	default:
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM schedules WHERE name = ?`), name)
	}
	if err != nil {
		return 0, false, mapError(err)
	}
	if err = tx.Commit(); err != nil {
		return 0, false, mapError(err)
	}
	return remaining, ok, nil
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, name string) error {
	n, err := s.affected(s.exec(ctx, `DELETE FROM schedules WHERE name = ?`, name))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RecordResult(ctx context.Context, r TaskResult) error {
	_, err := s.exec(ctx,
		`INSERT INTO task_results(id, name, func, started, stopped, success, attempts, error)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   stopped=excluded.stopped,
		   success=excluded.success,
		   attempts=excluded.attempts,
		   error=excluded.error`,
		r.ID, r.Name, r.Func, r.Started.UnixMilli(), nullMillis(r.Stopped), r.Success, r.Attempts, nullStr(r.Error),
	)
	return err
}

func (s *sqlStore) LastSuccess(ctx context.Context, fn string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrNotReady
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT MAX(started) FROM task_results WHERE func = ? AND success = ?`), fn, true,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, mapError(err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqlStore) DeleteResults(ctx context.Context, f ResultFilter) (int64, error) {
	var (
		where []string
		args  []any
	)
	if f.Func != "" {
		where = append(where, "func = ?")
		args = append(args, f.Func)
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *f.Success)
	}
	if !f.StartedBefore.IsZero() {
		where = append(where, "started < ?")
		args = append(args, f.StartedBefore.UnixMilli())
	}
	query := `DELETE FROM task_results`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.affected(s.exec(ctx, query, args...))
}

func (s *sqlStore) AppendErrorLog(ctx context.Context, e ErrorLog) error {
	if e.When.IsZero() {
		e.When = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO error_logs(logged_at, category, info, data) VALUES(?,?,?,?)`,
		e.When.UnixMilli(), e.Category, e.Info, nullStr(e.Data),
	)
	return err
}

func (s *sqlStore) DeleteErrorLogs(ctx context.Context, before time.Time) (int64, error) {
	return s.affected(s.exec(ctx, `DELETE FROM error_logs WHERE logged_at < ?`, before.UnixMilli()))
}

func (s *sqlStore) PutSession(ctx context.Context, sess Session) error {
	_, err := s.exec(ctx,
		`INSERT INTO sessions(session_key, data, expire_at) VALUES(?,?,?)
		 ON CONFLICT(session_key) DO UPDATE SET data=excluded.data, expire_at=excluded.expire_at`,
		sess.Key, sess.Data, sess.Expires.UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	return s.affected(s.exec(ctx, `DELETE FROM sessions WHERE expire_at < ?`, before.UnixMilli()))
}

func (s *sqlStore) UpsertRates(ctx context.Context, base string, rates map[string]float64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrNotReady
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	query := s.q(`INSERT INTO exchange_rates(currency, base, value, updated) VALUES(?,?,?,?)
		 ON CONFLICT(currency) DO UPDATE SET base=excluded.base, value=excluded.value, updated=excluded.updated`)
	for cur, v := range rates {
		if _, err := tx.ExecContext(ctx, query, strings.ToUpper(cur), base, v, at.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

func (s *sqlStore) ListRates(ctx context.Context) ([]ExchangeRate, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotReady
	}
	rows, err := s.db.QueryContext(ctx, `SELECT currency, base, value, updated FROM exchange_rates ORDER BY currency`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []ExchangeRate
	for rows.Next() {
		var (
			r  ExchangeRate
			ms int64
		)
		if err := rows.Scan(&r.Currency, &r.Base, &r.Value, &ms); err != nil {
			return nil, mapError(err)
		}
		r.Updated = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, mapError(rows.Err())
}

func (s *sqlStore) DeleteRatesExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return s.affected(s.exec(ctx, `DELETE FROM exchange_rates`))
	}
	marks := make([]string, len(keep))
	args := make([]any, len(keep))
	for i, c := range keep {
		marks[i] = "?"
		args[i] = strings.ToUpper(c)
	}
	return s.affected(s.exec(ctx,
		`DELETE FROM exchange_rates WHERE currency NOT IN (`+strings.Join(marks, ",")+`)`, args...))
}

func (s *sqlStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrNotReady
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return v, true, nil
}

func (s *sqlStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqlStore) Subscribe(ctx context.Context, partID int64, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO part_subscriptions(part_id, email) VALUES(?,?) ON CONFLICT(part_id, email) DO NOTHING`,
		partID, email,
	)
	return err
}

func (s *sqlStore) Subscribers(ctx context.Context, partID int64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotReady
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT email FROM part_subscriptions WHERE part_id = ? ORDER BY email`), partID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, mapError(err)
		}
		out = append(out, e)
	}
	return out, mapError(rows.Err())
}

// rebindDollar rewrites "?" placeholders as "$1", "$2", ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
