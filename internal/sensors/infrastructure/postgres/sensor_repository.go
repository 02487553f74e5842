package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sensors "spikealerts/internal/sensors/domain"
)

// SensorRepository is a Postgres repository for the sensor roster.
type SensorRepository struct {
	db *sql.DB
}

// NewSensorRepository constructs a repository.
func NewSensorRepository(db *sql.DB) *SensorRepository {
	return &SensorRepository{db: db}
}

// TrackedIDs returns the sensor ids eligible for spike polling: enabled
// channel state, and either healthy or flagged-by-us channel flags.
func (r *SensorRepository) TrackedIDs(ctx context.Context) ([]int64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT sensor_index
FROM sensors
WHERE channel_flags IN ($1, $2) AND channel_state = $3
ORDER BY sensor_index`, sensors.FlagHealthy, sensors.FlagInvalidReading, sensors.StateOn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// NotRecentlyElevated returns sensor ids whose last elevated reading is older
// than the lag window. Sensors that were never elevated qualify.
func (r *SensorRepository) NotRecentlyElevated(ctx context.Context, lag time.Duration) ([]int64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT sensor_index
FROM sensors
WHERE last_elevated IS NULL
   OR last_elevated + make_interval(secs => $1) < NOW()`, lag.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StampLastElevated records the poll time on every currently elevated sensor.
func (r *SensorRepository) StampLastElevated(ctx context.Context, sensorIDs []int64, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if len(sensorIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET last_elevated = $1
WHERE sensor_index = ANY($2)`, at.UTC(), sensorIDs)
	return err
}

// Flag marks sensors whose readings failed validity filtering. The flag keeps
// them out of the tracked set until the daily reconciliation clears it.
func (r *SensorRepository) Flag(ctx context.Context, sensorIDs []int64) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if len(sensorIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET channel_flags = $1, last_seen = NOW()
WHERE sensor_index = ANY($2)`, sensors.FlagInvalidReading, sensorIDs)
	return err
}

// All lists the whole roster for reconciliation.
func (r *SensorRepository) All(ctx context.Context) ([]sensors.Sensor, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT sensor_index, name, last_seen, last_elevated, channel_state, channel_flags,
	ST_Y(geometry), ST_X(geometry)
FROM sensors
ORDER BY sensor_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSensors(rows)
}

func scanSensors(rows *sql.Rows) ([]sensors.Sensor, error) {
	var result []sensors.Sensor
	for rows.Next() {
		var s sensors.Sensor
		var lastSeen, lastElevated sql.NullTime
		if err := rows.Scan(
			&s.SensorIndex,
			&s.Name,
			&lastSeen,
			&lastElevated,
			&s.ChannelState,
			&s.ChannelFlags,
			&s.Latitude,
			&s.Longitude,
		); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			s.LastSeen = lastSeen.Time.UTC()
		}
		if lastElevated.Valid {
			s.LastElevated = lastElevated.Time.UTC()
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ByIndices loads specific sensors, for alert message composition.
func (r *SensorRepository) ByIndices(ctx context.Context, sensorIDs []int64) ([]sensors.Sensor, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	if len(sensorIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT sensor_index, name, last_seen, last_elevated, channel_state, channel_flags,
	ST_Y(geometry), ST_X(geometry)
FROM sensors
WHERE sensor_index = ANY($1)
ORDER BY sensor_index`, sensorIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSensors(rows)
}

// Insert adds a newly discovered sensor to the roster.
func (r *SensorRepository) Insert(ctx context.Context, s sensors.Sensor) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ChannelState == 0 {
		s.ChannelState = sensors.StateOn
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sensors (sensor_index, name, last_seen, channel_state, channel_flags, geometry)
VALUES ($1, $2, $3, $4, $5, ST_SetSRID(ST_MakePoint($6, $7), 4326))
ON CONFLICT (sensor_index) DO NOTHING`,
		s.SensorIndex, s.Name, nullableTime(s.LastSeen), s.ChannelState, s.ChannelFlags,
		s.Longitude, s.Latitude)
	return err
}

// Retire disables sensors that disappeared upstream.
func (r *SensorRepository) Retire(ctx context.Context, sensorIDs []int64) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if len(sensorIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET channel_state = $1
WHERE sensor_index = ANY($2)`, sensors.StateRetired, sensorIDs)
	return err
}

// UpdateName adopts the upstream name for a sensor.
func (r *SensorRepository) UpdateName(ctx context.Context, sensorID int64, name string) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if name == "" {
		return errors.New("sensor repo: empty name")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET name = $1
WHERE sensor_index = $2`, name, sensorID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sensors.ErrNotFound
	}
	return nil
}

// RefreshStatus adopts the upstream last-seen timestamp and channel flags.
func (r *SensorRepository) RefreshStatus(ctx context.Context, sensorID int64, lastSeen time.Time, channelFlags int) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET last_seen = $1, channel_flags = $2
WHERE sensor_index = $3`, lastSeen.UTC(), channelFlags, sensorID)
	return err
}

// Extent returns the roster's bounding box, padded by the given distance in
// meters, in the feed's NW/SE notation.
func (r *SensorRepository) Extent(ctx context.Context, padMeters float64) (nwLng, nwLat, seLng, seLat float64, err error) {
	if r == nil || r.db == nil {
		return 0, 0, 0, 0, errors.New("sensor repo: nil db")
	}
	var box sql.NullString
	err = r.db.QueryRowContext(ctx, `
SELECT ST_Extent(ST_Transform(ST_Buffer(ST_Transform(geometry, 26915), $1), 4326))::text
FROM sensors`, padMeters).Scan(&box)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if !box.Valid {
		return 0, 0, 0, 0, sensors.ErrNotFound
	}
	return parseExtent(box.String)
}

// parseExtent unpacks "BOX(xmin ymin,xmax ymax)".
func parseExtent(value string) (nwLng, nwLat, seLng, seLat float64, err error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(value, "BOX("), ")")
	var xmin, ymin, xmax, ymax float64
	if _, err := fmt.Sscanf(strings.ReplaceAll(trimmed, ",", " "), "%f %f %f %f", &xmin, &ymin, &xmax, &ymax); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("sensor repo: malformed extent %q: %w", value, err)
	}
	return xmin, ymax, xmax, ymin, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}
