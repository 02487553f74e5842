package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "spikealerts/internal/alerts/domain"
)

// ArchiveRepository is a Postgres repository for closed spike alerts.
type ArchiveRepository struct {
	db *sql.DB
}

// NewArchiveRepository constructs a repository.
func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Insert stores a closed alert under its original alert index.
func (r *ArchiveRepository) Insert(ctx context.Context, alert alerts.ArchivedAlert) error {
	if r == nil || r.db == nil {
		return errors.New("alerts repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO archived_alerts (alert_index, start_time, duration_minutes, max_reading, sensor_indices)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (alert_index) DO NOTHING`,
		alert.AlertIndex,
		alert.StartTime.UTC(),
		int64(alert.Duration/time.Minute),
		alert.MaxReading,
		alert.SensorIndices)
	return err
}

// ByIndices loads archived alerts for report aggregation.
func (r *ArchiveRepository) ByIndices(ctx context.Context, alertIndices []int64) ([]alerts.ArchivedAlert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alerts repo: nil db")
	}
	if len(alertIndices) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT alert_index, start_time, duration_minutes, max_reading, sensor_indices
FROM archived_alerts
WHERE alert_index = ANY($1)
ORDER BY alert_index`, alertIndices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArchivedAlerts(rows)
}

// Between lists archived alerts whose start falls inside the window. Used by
// the admin export surface.
func (r *ArchiveRepository) Between(ctx context.Context, from, to time.Time) ([]alerts.ArchivedAlert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alerts repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT alert_index, start_time, duration_minutes, max_reading, sensor_indices
FROM archived_alerts
WHERE start_time >= $1 AND start_time < $2
ORDER BY start_time`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArchivedAlerts(rows)
}

func scanArchivedAlerts(rows *sql.Rows) ([]alerts.ArchivedAlert, error) {
	var result []alerts.ArchivedAlert
	for rows.Next() {
		var alert alerts.ArchivedAlert
		var minutes int64
		var indices int64Array
		if err := rows.Scan(
			&alert.AlertIndex,
			&alert.StartTime,
			&minutes,
			&alert.MaxReading,
			&indices,
		); err != nil {
			return nil, err
		}
		alert.StartTime = alert.StartTime.UTC()
		alert.Duration = time.Duration(minutes) * time.Minute
		alert.SensorIndices = indices
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
