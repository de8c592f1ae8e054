// Package archive keeps an audit trail of polled sensor readings in Postgres.
// Nothing reads it back into the live store.
package archive

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

// SensorRow is the archived sensor metadata.
type SensorRow struct {
	ID           string
	InternalID   int64
	Name         string
	SerialNumber string
	Address      string
	RegionID     int64
	DistrictID   int64
	Lng          float64
	Lat          float64
	Status       telemetry.Status
}

// Reading is one archived telemetry snapshot.
type Reading struct {
	SensorID  string
	TS        time.Time
	Telemetry telemetry.Telemetry
	Status    telemetry.Status
}

// LastReading is the newest stored reading of a sensor.
type LastReading struct {
	TS        time.Time
	Telemetry telemetry.Telemetry
}

// Store wraps the pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the archive tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

const upsertSensorSQL = `INSERT INTO heatwatch.sensors (id, internal_id, name, serial_number, address, region_id, district_id, lng, lat, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
ON CONFLICT (id) DO UPDATE
SET internal_id = EXCLUDED.internal_id,
    name = EXCLUDED.name,
    serial_number = EXCLUDED.serial_number,
    address = EXCLUDED.address,
    region_id = EXCLUDED.region_id,
    district_id = EXCLUDED.district_id,
    lng = EXCLUDED.lng,
    lat = EXCLUDED.lat,
    status = EXCLUDED.status,
    updated_at = NOW()`

// UpsertSensors inserts or updates sensor metadata.
func (s *Store) UpsertSensors(ctx context.Context, rows []SensorRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertSensorSQL, r.ID, r.InternalID, r.Name, r.SerialNumber, r.Address,
			r.RegionID, r.DistrictID, r.Lng, r.Lat, string(r.Status))
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()

	for _, r := range rows {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("upsert sensor %s: %w", r.ID, err)
		}
	}
	return nil
}

// FetchLastReadings loads the newest stored reading per sensor.
func (s *Store) FetchLastReadings(ctx context.Context, sensorIDs []string) (map[string]LastReading, error) {
	result := make(map[string]LastReading, len(sensorIDs))
	if len(sensorIDs) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (sensor_id) sensor_id, ts, t_out, t_in, pressure, flow
FROM heatwatch.readings
WHERE sensor_id = ANY($1)
ORDER BY sensor_id, ts DESC`, sensorIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch last readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var last LastReading
		if err := rows.Scan(&id, &last.TS, &last.Telemetry.TOut, &last.Telemetry.TIn,
			&last.Telemetry.Pressure, &last.Telemetry.Flow); err != nil {
			return nil, fmt.Errorf("scan last reading: %w", err)
		}
		result[id] = last
	}
	return result, rows.Err()
}

const insertReadingSQL = `INSERT INTO heatwatch.readings (sensor_id, ts, t_out, t_in, pressure, flow, status, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (sensor_id, ts) DO UPDATE
SET t_out = EXCLUDED.t_out,
    t_in = EXCLUDED.t_in,
    pressure = EXCLUDED.pressure,
    flow = EXCLUDED.flow,
    status = EXCLUDED.status,
    ingested_at = NOW()`

// InsertReadings writes new readings.
func (s *Store) InsertReadings(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertReadingSQL, r.SensorID, r.TS, r.Telemetry.TOut, r.Telemetry.TIn,
			r.Telemetry.Pressure, r.Telemetry.Flow, string(r.Status))
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()

	for _, r := range readings {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("insert reading %s: %w", r.SensorID, err)
		}
	}
	return nil
}
