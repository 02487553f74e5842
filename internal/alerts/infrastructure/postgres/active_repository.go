package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "spikealerts/internal/alerts/domain"
)

// ActiveRepository is a Postgres repository for open spike alerts.
type ActiveRepository struct {
	db *sql.DB
}

// NewActiveRepository constructs a repository.
func NewActiveRepository(db *sql.DB) *ActiveRepository {
	return &ActiveRepository{db: db}
}

// Open creates an active alert and returns its assigned index.
func (r *ActiveRepository) Open(ctx context.Context, startTime time.Time, maxReading float64, sensorIndices []int64) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alerts repo: nil db")
	}
	if len(sensorIndices) == 0 {
		return 0, errors.New("alerts repo: empty sensor set")
	}
	var alertIndex int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO active_alerts (start_time, last_update, max_reading, sensor_indices)
VALUES ($1, NOW(), $2, $3)
RETURNING alert_index`,
		startTime.UTC(), maxReading, sensorIndices).Scan(&alertIndex)
	if err != nil {
		return 0, err
	}
	return alertIndex, nil
}

// All lists every open alert.
func (r *ActiveRepository) All(ctx context.Context) ([]alerts.ActiveAlert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alerts repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT alert_index, start_time, last_update, max_reading, sensor_indices
FROM active_alerts
ORDER BY alert_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActiveAlerts(rows)
}

// RaiseMax lifts the recorded peak when the new reading exceeds it and stamps
// the update time either way.
func (r *ActiveRepository) RaiseMax(ctx context.Context, sensorIndex int64, reading float64) error {
	if r == nil || r.db == nil {
		return errors.New("alerts repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE active_alerts
SET max_reading = GREATEST(max_reading, $1), last_update = NOW()
WHERE $2 = ANY(sensor_indices)`, reading, sensorIndex)
	return err
}

// Close removes alerts fully covered by the ended sensor set and returns the
// removed rows for archiving.
func (r *ActiveRepository) Close(ctx context.Context, endedSensors []int64) ([]alerts.ActiveAlert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alerts repo: nil db")
	}
	if len(endedSensors) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
DELETE FROM active_alerts
WHERE sensor_indices <@ $1::bigint[]
RETURNING alert_index, start_time, last_update, max_reading, sensor_indices`, endedSensors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActiveAlerts(rows)
}

func scanActiveAlerts(rows *sql.Rows) ([]alerts.ActiveAlert, error) {
	var result []alerts.ActiveAlert
	for rows.Next() {
		var alert alerts.ActiveAlert
		var indices int64Array
		if err := rows.Scan(
			&alert.AlertIndex,
			&alert.StartTime,
			&alert.LastUpdate,
			&alert.MaxReading,
			&indices,
		); err != nil {
			return nil, err
		}
		alert.StartTime = alert.StartTime.UTC()
		alert.LastUpdate = alert.LastUpdate.UTC()
		alert.SensorIndices = indices
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
