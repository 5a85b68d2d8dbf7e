package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

var registerDriverOnce sync.Once

// SQLite is the durable Store backend. One connection is kept open,
// matching sqlite's single-writer nature -- more connections would
// just queue behind the database's own lock.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the database file at path and
// applies any pending schema migrations.
func OpenSQLite(path string) (*SQLite, error) {
	registerDriverOnce.Do(func() {
		sql.Register("sqlite3_outbox_hooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, hooks{}))
	})

	db, err := sqlx.Open("sqlite3_outbox_hooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) StoreReading(ctx context.Context, r model.SensorReading, now time.Time) error {
	return s.storeReadingBatch(ctx, s.db, []model.SensorReading{r}, now)
}

func (s *SQLite) StoreReadingBatch(ctx context.Context, rs []model.SensorReading, now time.Time) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	if err := s.storeReadingBatch(ctx, tx, rs, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args...interface{}) (sql.Result, error)
}

const upsertPendingReading = `
INSERT INTO readings (id, payload, state, created_at)
VALUES (?, ?, 'pending', ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
WHERE readings.state = 'pending'`

func (s *SQLite) storeReadingBatch(ctx context.Context, ex sqlExecer, rs []model.SensorReading, now time.Time) error {
	for _, r := range rs {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("outbox: marshal reading %s: %w", r.ID, err)
		}
		if _, err := ex.ExecContext(ctx, upsertPendingReading, r.ID.String(), string(payload), now); err != nil {
			return fmt.Errorf("outbox: store reading %s: %w", r.ID, err)
		}
	}
	return nil
}

const upsertPendingStatus = `
INSERT INTO statuses (id, payload, state, created_at)
VALUES (?, ?, 'pending', ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
WHERE statuses.state = 'pending'`

func (s *SQLite) StoreStatus(ctx context.Context, st model.DeviceStatus, now time.Time) error {
	return s.storeStatusBatch(ctx, s.db, []model.DeviceStatus{st}, now)
}

func (s *SQLite) StoreStatusBatch(ctx context.Context, ss []model.DeviceStatus, now time.Time) error {
	if len(ss) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	if err := s.storeStatusBatch(ctx, tx, ss, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) storeStatusBatch(ctx context.Context, ex sqlExecer, ss []model.DeviceStatus, now time.Time) error {
	for _, st := range ss {
		payload, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("outbox: marshal status %s: %w", st.ID, err)
		}
		if _, err := ex.ExecContext(ctx, upsertPendingStatus, st.ID.String(), string(payload), now); err != nil {
			return fmt.Errorf("outbox: store status %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *SQLite) FetchPendingReadings(ctx context.Context) ([]model.SensorReading, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, `SELECT payload FROM readings WHERE state = 'pending'`); err != nil {
		return nil, fmt.Errorf("outbox: fetch pending readings: %w", err)
	}
	out := make([]model.SensorReading, 0, len(rows))
	for _, p := range rows {
		var r model.SensorReading
		if err := json.Unmarshal([]byte(p), &r); err != nil {
			return nil, fmt.Errorf("outbox: unmarshal reading: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLite) FetchPendingStatuses(ctx context.Context) ([]model.DeviceStatus, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, `SELECT payload FROM statuses WHERE state = 'pending'`); err != nil {
		return nil, fmt.Errorf("outbox: fetch pending statuses: %w", err)
	}
	out := make([]model.DeviceStatus, 0, len(rows))
	for _, p := range rows {
		var st model.DeviceStatus
		if err := json.Unmarshal([]byte(p), &st); err != nil {
			return nil, fmt.Errorf("outbox: unmarshal status: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLite) MarkReadingsUploaded(ctx context.Context, idList []ids.ReadingId, now time.Time) error {
	return markUploaded(ctx, s.db, "readings", idStrings(idList), now)
}

func (s *SQLite) MarkStatusesUploaded(ctx context.Context, idList []ids.StatusId, now time.Time) error {
	return markUploaded(ctx, s.db, "statuses", idStringsStatus(idList), now)
}

func idStrings(idList []ids.ReadingId) []string {
	out := make([]string, len(idList))
	for i, id := range idList {
		out[i] = id.String()
	}
	return out
}

func idStringsStatus(idList []ids.StatusId) []string {
	out := make([]string, len(idList))
	for i, id := range idList {
		out[i] = id.String()
	}
	return out
}

// markUploaded transitions Pending rows named by idList to Uploaded in
// one statement, atomic over the id list. Unknown ids simply
// match zero rows.
func markUploaded(ctx context.Context, db *sqlx.DB, table string, idList []string, now time.Time) error {
	if len(idList) == 0 {
		return nil
	}
	placeholders := make([]string, len(idList))
	args := make([]interface{}, 0, len(idList)+1)
	args = append(args, now)
	for i, id := range idList {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`UPDATE %s SET state = 'uploaded', uploaded_at = ? WHERE state = 'pending' AND id IN (%s)`,
		table, strings.Join(placeholders, ","),
	)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox: mark %s uploaded: %w", table, err)
	}
	return nil
}

func (s *SQLite) CleanupUploaded(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	total := 0
	for _, table := range []string{"readings", "statuses"} {
		var query string
		var args []interface{}
		if olderThan == 0 {
			query = fmt.Sprintf(`DELETE FROM %s WHERE state = 'uploaded'`, table)
		} else {
			query = fmt.Sprintf(`DELETE FROM %s WHERE state = 'uploaded' AND uploaded_at <= ?`, table)
			args = append(args, now.Add(-olderThan))
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("outbox: cleanup %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("outbox: cleanup %s rows affected: %w", table, err)
		}
		total += int(n)
	}
	return total, nil
}

func (s *SQLite) Stats(ctx context.Context) (KindStats, error) {
	readings, err := s.tableStats(ctx, "readings")
	if err != nil {
		return KindStats{}, err
	}
	statuses, err := s.tableStats(ctx, "statuses")
	if err != nil {
		return KindStats{}, err
	}
	return KindStats{Readings: readings, Statuses: statuses}, nil
}

func (s *SQLite) tableStats(ctx context.Context, table string) (Stats, error) {
	var pending, uploaded int
	query := fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state = 'uploaded' THEN 1 ELSE 0 END), 0)
		FROM %s`, table)
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&pending, &uploaded); err != nil {
		return Stats{}, fmt.Errorf("outbox: stats %s: %w", table, err)
	}
	return Stats{Pending: pending, Uploaded: uploaded, Total: pending + uploaded}, nil
}
