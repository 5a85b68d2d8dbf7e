package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	sq "github.com/Masterminds/squirrel"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

// ClickHouse is the columnar Registry backend for deployments whose
// reading/status volume outgrows sqlite. It uses ReplacingMergeTree
// tables keyed by id with a monotonic version column so repeated uploads
// of the same batch converge to one row without an explicit upsert
// statement; queries that must see only the latest version run the
// table through the FINAL modifier.
type ClickHouse struct {
	db *sql.DB
}

func OpenClickHouse(addr, database, username, password string) (*ClickHouse, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
	})
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("registry: clickhouse ping: %w", err)
	}
	c := &ClickHouse{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *ClickHouse) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatchers (
			id String, location UInt64, state UInt8, provisioned_at DateTime64(3), version UInt64
		) ENGINE = ReplacingMergeTree(version) ORDER BY id`,
		`CREATE TABLE IF NOT EXISTS devices (
			id String, dispatcher_id String, kind String, state UInt8, location UInt64,
			manufacturer String, provisioned_at DateTime64(3), version UInt64
		) ENGINE = ReplacingMergeTree(version) ORDER BY id`,
		`CREATE TABLE IF NOT EXISTS readings (
			id String, device_id String, dispatcher_id String, sensor_id String, metric_kind UInt8,
			metric_value Float64, location UInt64, confidence UInt8, seq UInt32, timestamp DateTime64(3),
			version UInt64
		) ENGINE = ReplacingMergeTree(version) ORDER BY id`,
		`CREATE TABLE IF NOT EXISTS statuses (
			id String, device_id String, dispatcher_id String, battery_percent UInt8, uptime_seconds UInt64,
			signal_rssi Int32, errors String, sensor_statuses String, timestamp DateTime64(3), version UInt64
		) ENGINE = ReplacingMergeTree(version) ORDER BY id`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("registry: clickhouse migrate: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) Close() error { return c.db.Close() }

func (c *ClickHouse) RegisterDevice(ctx context.Context, d Device) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO devices (id, dispatcher_id, kind, state, location, manufacturer, provisioned_at, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.DispatcherID.String(), d.Kind, uint8(d.State), uint64(d.Location), d.Manufacturer, d.ProvisionedAt, nowVersion())
	if err != nil {
		return fmt.Errorf("registry: clickhouse register device: %w", err)
	}
	return nil
}

func (c *ClickHouse) GetDevice(ctx context.Context, id ids.DeviceId) (Device, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, dispatcher_id, kind, state, location, manufacturer, provisioned_at FROM devices FINAL WHERE id = ?`,
		id.String())
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return Device{}, ErrUnknownDevice
	}
	return d, err
}

func (c *ClickHouse) UpdateDeviceState(ctx context.Context, id ids.DeviceId, state DeviceState) error {
	existing, err := c.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	existing.State = state
	return c.RegisterDevice(ctx, existing)
}

func (c *ClickHouse) ListDevices(ctx context.Context, q QueryOptions) ([]Device, error) {
	query, err := buildWhere(sq.Select(
		"id", "dispatcher_id", "kind", "state", "location", "manufacturer", "provisioned_at").
		From("devices FINAL"), q.Filters, deviceColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, deviceColumns, "devices FINAL")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: clickhouse list devices: %w", err)
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

func (c *ClickHouse) CountDevices(ctx context.Context, q QueryOptions) (int, error) {
	query, err := buildWhere(sq.Select("count(*)").From("devices FINAL"), q.Filters, deviceColumns)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := c.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("registry: clickhouse count devices: %w", err)
	}
	return count, nil
}

func (c *ClickHouse) RegisterDispatcher(ctx context.Context, d Dispatcher) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO dispatchers (id, location, state, provisioned_at, version) VALUES (?, ?, ?, ?, ?)`,
		d.ID.String(), uint64(d.Location), uint8(d.State), d.ProvisionedAt, nowVersion())
	if err != nil {
		return fmt.Errorf("registry: clickhouse register dispatcher: %w", err)
	}
	return nil
}

func (c *ClickHouse) GetDispatcher(ctx context.Context, id ids.DispatcherId) (Dispatcher, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, location, state, provisioned_at FROM dispatchers FINAL WHERE id = ?`, id.String())
	d, err := scanDispatcher(row)
	if err == sql.ErrNoRows {
		return Dispatcher{}, ErrUnknownDispatcher
	}
	return d, err
}

func (c *ClickHouse) UpdateDispatcherState(ctx context.Context, id ids.DispatcherId, state DeviceState) error {
	existing, err := c.GetDispatcher(ctx, id)
	if err != nil {
		return err
	}
	existing.State = state
	return c.RegisterDispatcher(ctx, existing)
}

func (c *ClickHouse) ListDispatchers(ctx context.Context, q QueryOptions) ([]Dispatcher, error) {
	query, err := buildWhere(sq.Select("id", "location", "state", "provisioned_at").
		From("dispatchers FINAL"), q.Filters, dispatcherColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, dispatcherColumns, "dispatchers FINAL")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: clickhouse list dispatchers: %w", err)
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

func (c *ClickHouse) StoreReadingBatch(ctx context.Context, readings []model.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	batch, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: clickhouse begin batch: %w", err)
	}
	stmt, err := batch.PrepareContext(ctx,
		`INSERT INTO readings (id, device_id, dispatcher_id, sensor_id, metric_kind, metric_value, location, confidence, seq, timestamp, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		batch.Rollback()
		return fmt.Errorf("registry: clickhouse prepare reading insert: %w", err)
	}
	defer stmt.Close()

	version := nowVersion()
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.ID.String(), r.DeviceID.String(), r.DispatcherID.String(), r.SensorID.String(),
			uint8(r.Metric.Kind), r.Metric.Value, uint64(r.Location), r.Confidence, r.Seq, r.Timestamp, version); err != nil {
			batch.Rollback()
			return fmt.Errorf("registry: clickhouse store reading %s: %w", r.ID, err)
		}
	}
	return batch.Commit()
}

func (c *ClickHouse) StoreStatusBatch(ctx context.Context, statuses []model.DeviceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	batch, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: clickhouse begin batch: %w", err)
	}
	stmt, err := batch.PrepareContext(ctx,
		`INSERT INTO statuses (id, device_id, dispatcher_id, battery_percent, uptime_seconds, signal_rssi, errors, sensor_statuses, timestamp, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		batch.Rollback()
		return fmt.Errorf("registry: clickhouse prepare status insert: %w", err)
	}
	defer stmt.Close()

	version := nowVersion()
	for _, st := range statuses {
		errsJSON, err := json.Marshal(st.Errors)
		if err != nil {
			batch.Rollback()
			return fmt.Errorf("registry: marshal status errors: %w", err)
		}
		sensorsJSON, err := json.Marshal(st.SensorStatuses)
		if err != nil {
			batch.Rollback()
			return fmt.Errorf("registry: marshal sensor statuses: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			st.ID.String(), st.DeviceID.String(), st.DispatcherID.String(), st.BatteryPercent,
			st.UptimeSeconds, st.SignalRSSI, string(errsJSON), string(sensorsJSON), st.Timestamp, version); err != nil {
			batch.Rollback()
			return fmt.Errorf("registry: clickhouse store status %s: %w", st.ID, err)
		}
	}
	return batch.Commit()
}

func (c *ClickHouse) ListReadings(ctx context.Context, q QueryOptions) ([]model.SensorReading, error) {
	query, err := buildWhere(sq.Select(
		"id", "device_id", "dispatcher_id", "sensor_id", "metric_kind", "metric_value", "location", "confidence", "seq", "timestamp").
		From("readings FINAL"), q.Filters, readingColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, readingColumns, "readings FINAL")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: clickhouse list readings: %w", err)
	}
	defer rows.Close()

	out := make([]model.SensorReading, 0, 16)
	for rows.Next() {
		var r model.SensorReading
		var idStr, deviceStr, dispatcherStr, sensorStr string
		var kind, confidence uint8
		var location uint64
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
		r.Confidence = confidence
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *ClickHouse) ListStatuses(ctx context.Context, q QueryOptions) ([]model.DeviceStatus, error) {
	query, err := buildWhere(sq.Select(
		"id", "device_id", "dispatcher_id", "battery_percent", "uptime_seconds", "signal_rssi", "errors", "sensor_statuses", "timestamp").
		From("statuses FINAL"), q.Filters, statusColumns)
	if err != nil {
		return nil, err
	}
	query, err = applySortAndPage(query, q, statusColumns, "statuses FINAL")
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: clickhouse list statuses: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeviceStatus, 0, 16)
	for rows.Next() {
		var st model.DeviceStatus
		var idStr, deviceStr, dispatcherStr string
		var errsJSON, sensorsJSON string
		if err := rows.Scan(&idStr, &deviceStr, &dispatcherStr, &st.BatteryPercent, &st.UptimeSeconds, &st.SignalRSSI, &errsJSON, &sensorsJSON, &st.Timestamp); err != nil {
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

// nowVersion is the ReplacingMergeTree version column. It must be
// monotonic per id across repeated upserts; wall-clock nanoseconds
// satisfy that without a separate sequence table.
func nowVersion() uint64 { return uint64(time.Now().UnixNano()) }
