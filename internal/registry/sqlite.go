package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
)

var registerSQLiteDriverOnce sync.Once

var deviceColumns = map[string]string{
	"id": "id", "dispatcher_id": "dispatcher_id", "kind": "kind",
	"state": "state", "manufacturer": "manufacturer", "provisioned_at": "provisioned_at",
}

var dispatcherColumns = map[string]string{
	"id": "id", "state": "state", "provisioned_at": "provisioned_at",
}

var readingColumns = map[string]string{
	"id": "id", "device_id": "device_id", "dispatcher_id": "dispatcher_id",
	"sensor_id": "sensor_id", "metric_kind": "metric_kind", "confidence": "confidence",
	"timestamp": "timestamp",
}

var statusColumns = map[string]string{
	"id": "id", "device_id": "device_id", "dispatcher_id": "dispatcher_id",
	"battery_percent": "battery_percent", "timestamp": "timestamp",
}

// SQLite is the embedded file DB Registry backend.
type SQLite struct {
	db *sqlx.DB
}

func OpenSQLiteRegistry(path string) (*SQLite, error) {
	registerSQLiteDriverOnce.Do(func() {
		sql.Register("sqlite3_registry_hooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, registryHooks{}))
	})

	db, err := sqlx.Open("sqlite3_registry_hooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) RegisterDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, dispatcher_id, kind, state, location, manufacturer, provisioned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET dispatcher_id=excluded.dispatcher_id, kind=excluded.kind,
			state=excluded.state, location=excluded.location, manufacturer=excluded.manufacturer`,
		d.ID.String(), d.DispatcherID.String(), d.Kind, int(d.State), int64(d.Location), d.Manufacturer, d.ProvisionedAt)
	if err != nil {
		return fmt.Errorf("registry: register device %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLite) GetDevice(ctx context.Context, id ids.DeviceId) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dispatcher_id, kind, state, location, manufacturer, provisioned_at FROM devices WHERE id = ?`,
		id.String())
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return Device{}, ErrUnknownDevice
	}
	return d, err
}

func (s *SQLite) UpdateDeviceState(ctx context.Context, id ids.DeviceId, state DeviceState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET state = ? WHERE id = ?`, int(state), id.String())
	if err != nil {
		return fmt.Errorf("registry: update device state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDevice
	}
	return nil
}

func (s *SQLite) ListDevices(ctx context.Context, q QueryOptions) ([]Device, error) {
	query, err := buildWhere(sq.Select(
		"id", "dispatcher_id", "kind", "state", "location", "manufacturer", "provisioned_at").From("devices"),
		q.Filters, deviceColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, deviceColumns, "devices")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: build device query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	defer rows.Close()

	out := make([]Device, 0, 16)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) CountDevices(ctx context.Context, q QueryOptions) (int, error) {
	query, err := buildWhere(sq.Select("count(*)").From("devices"), q.Filters, deviceColumns)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("registry: count devices: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest...interface{}) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var idStr, dispatcherStr string
	var state int
	var location int64
	if err := row.Scan(&idStr, &dispatcherStr, &d.Kind, &state, &location, &d.Manufacturer, &d.ProvisionedAt); err != nil {
		return Device{}, err
	}
	parsedID, err := ids.ParseDeviceId(idStr)
	if err != nil {
		return Device{}, fmt.Errorf("registry: parse device id: %w", err)
	}
	parsedDispatcher, err := ids.ParseDispatcherId(dispatcherStr)
	if err != nil {
		return Device{}, fmt.Errorf("registry: parse dispatcher id: %w", err)
	}
	d.ID = parsedID
	d.DispatcherID = parsedDispatcher
	d.State = DeviceState(state)
	d.Location = ids.H3Cell(location)
	return d, nil
}

func (s *SQLite) RegisterDispatcher(ctx context.Context, d Dispatcher) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatchers (id, location, state, provisioned_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET location=excluded.location, state=excluded.state`,
		d.ID.String(), int64(d.Location), int(d.State), d.ProvisionedAt)
	if err != nil {
		return fmt.Errorf("registry: register dispatcher %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLite) GetDispatcher(ctx context.Context, id ids.DispatcherId) (Dispatcher, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, location, state, provisioned_at FROM dispatchers WHERE id = ?`, id.String())
	d, err := scanDispatcher(row)
	if err == sql.ErrNoRows {
		return Dispatcher{}, ErrUnknownDispatcher
	}
	return d, err
}

func (s *SQLite) UpdateDispatcherState(ctx context.Context, id ids.DispatcherId, state DeviceState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dispatchers SET state = ? WHERE id = ?`, int(state), id.String())
	if err != nil {
		return fmt.Errorf("registry: update dispatcher state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDispatcher
	}
	return nil
}

func (s *SQLite) ListDispatchers(ctx context.Context, q QueryOptions) ([]Dispatcher, error) {
	query, err := buildWhere(sq.Select("id", "location", "state", "provisioned_at").From("dispatchers"),
		q.Filters, dispatcherColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, dispatcherColumns, "dispatchers")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list dispatchers: %w", err)
	}
	defer rows.Close()

	out := make([]Dispatcher, 0, 16)
	for rows.Next() {
		d, err := scanDispatcher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDispatcher(row rowScanner) (Dispatcher, error) {
	var d Dispatcher
	var idStr string
	var location int64
	var state int
	if err := row.Scan(&idStr, &location, &state, &d.ProvisionedAt); err != nil {
		return Dispatcher{}, err
	}
	parsed, err := ids.ParseDispatcherId(idStr)
	if err != nil {
		return Dispatcher{}, fmt.Errorf("registry: parse dispatcher id: %w", err)
	}
	d.ID = parsed
	d.Location = ids.H3Cell(location)
	d.State = DeviceState(state)
	return d, nil
}

func (s *SQLite) StoreReadingBatch(ctx context.Context, readings []model.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	for _, r := range readings {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO readings (id, device_id, dispatcher_id, sensor_id, metric_kind, metric_value, location, confidence, seq, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET metric_value=excluded.metric_value`,
			r.ID.String(), r.DeviceID.String(), r.DispatcherID.String(), r.SensorID.String(),
			int(r.Metric.Kind), r.Metric.Value, int64(r.Location), int(r.Confidence), r.Seq, r.Timestamp)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("registry: store reading %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) StoreStatusBatch(ctx context.Context, statuses []model.DeviceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	for _, st := range statuses {
		errsJSON, err := json.Marshal(st.Errors)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("registry: marshal status errors: %w", err)
		}
		sensorsJSON, err := json.Marshal(st.SensorStatuses)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("registry: marshal sensor statuses: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO statuses (id, device_id, dispatcher_id, battery_percent, uptime_seconds, signal_rssi, errors, sensor_statuses, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET battery_percent=excluded.battery_percent, uptime_seconds=excluded.uptime_seconds`,
			st.ID.String(), st.DeviceID.String(), st.DispatcherID.String(), int(st.BatteryPercent),
			st.UptimeSeconds, st.SignalRSSI, string(errsJSON), string(sensorsJSON), st.Timestamp)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("registry: store status %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListReadings(ctx context.Context, q QueryOptions) ([]model.SensorReading, error) {
	query, err := buildWhere(sq.Select(
		"id", "device_id", "dispatcher_id", "sensor_id", "metric_kind", "metric_value", "location", "confidence", "seq", "timestamp").
		From("readings"), q.Filters, readingColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, readingColumns, "readings")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list readings: %w", err)
	}
	defer rows.Close()

	out := make([]model.SensorReading, 0, 16)
	for rows.Next() {
		var r model.SensorReading
		var idStr, deviceStr, dispatcherStr, sensorStr string
		var kind, confidence int
		var location int64
		if err := rows.Scan(&idStr, &deviceStr, &dispatcherStr, &sensorStr, &kind, &r.Metric.Value, &location, &confidence, &r.Seq, &r.Timestamp); err != nil {
			return nil, err
		}
		if r.ID, err = ids.ParseReadingId(idStr); err != nil {
			return nil, err
		}
		if r.DeviceID, err = ids.ParseDeviceId(deviceStr); err != nil {
			return nil, err
		}
		if r.DispatcherID, err = ids.ParseDispatcherId(dispatcherStr); err != nil {
			return nil, err
		}
		if r.SensorID, err = ids.ParseSensorId(sensorStr); err != nil {
			return nil, err
		}
		r.Metric.Kind = model.SensorMetricKind(kind)
		r.Location = ids.H3Cell(location)
		r.Confidence = uint8(confidence)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ListStatuses(ctx context.Context, q QueryOptions) ([]model.DeviceStatus, error) {
	query, err := buildWhere(sq.Select(
		"id", "device_id", "dispatcher_id", "battery_percent", "uptime_seconds", "signal_rssi", "errors", "sensor_statuses", "timestamp").
		From("statuses"), q.Filters, statusColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, statusColumns, "statuses")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list statuses: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeviceStatus, 0, 16)
	for rows.Next() {
		var st model.DeviceStatus
		var idStr, deviceStr, dispatcherStr string
		var battery int
		var errsJSON, sensorsJSON string
		if err := rows.Scan(&idStr, &deviceStr, &dispatcherStr, &battery, &st.UptimeSeconds, &st.SignalRSSI, &errsJSON, &sensorsJSON, &st.Timestamp); err != nil {
			return nil, err
		}
		if st.ID, err = ids.ParseStatusId(idStr); err != nil {
			return nil, err
		}
		if st.DeviceID, err = ids.ParseDeviceId(deviceStr); err != nil {
			return nil, err
		}
		if st.DispatcherID, err = ids.ParseDispatcherId(dispatcherStr); err != nil {
			return nil, err
		}
		st.BatteryPercent = uint8(battery)
		if err := json.Unmarshal([]byte(errsJSON), &st.Errors); err != nil {
			return nil, fmt.Errorf("registry: unmarshal status errors: %w", err)
		}
		if err := json.Unmarshal([]byte(sensorsJSON), &st.SensorStatuses); err != nil {
			return nil, fmt.Errorf("registry: unmarshal sensor statuses: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type registryHooks struct{}

func (registryHooks) Before(ctx context.Context, query string, args...interface{}) (context.Context, error) {
	elog.Debugf("registry: query %s %q", query, args)
	return context.WithValue(ctx, sqliteTimingKey{}, time.Now()), nil
}

func (registryHooks) After(ctx context.Context, query string, args...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(sqliteTimingKey{}).(time.Time); ok {
		elog.Debugf("registry: took %s", time.Since(begin))
	}
	return ctx, nil
}

type sqliteTimingKey struct{}
