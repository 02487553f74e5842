package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	reports "spikealerts/internal/reports/domain"
)

// ReportRepository is a Postgres repository for end-of-alert reports.
type ReportRepository struct {
	db *sql.DB
}

// NewReportRepository constructs a repository.
func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// NextSequence returns the next report sequence number for the given day.
// The counter restarts at 1 each day, which keeps report ids short.
func (r *ReportRepository) NextSequence(ctx context.Context, day time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reports repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM reports
WHERE created_at >= $1 AND created_at < $2`,
		startOfDay(day), startOfDay(day).Add(24*time.Hour)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// Insert stores a report.
func (r *ReportRepository) Insert(ctx context.Context, report reports.Report) error {
	if r == nil || r.db == nil {
		return errors.New("reports repo: nil db")
	}
	if report.ReportID == "" {
		return errors.New("reports repo: empty report id")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reports (report_id, start_time, duration_minutes, max_reading, alert_indices, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (report_id) DO NOTHING`,
		report.ReportID,
		report.StartTime.UTC(),
		int64(report.Duration/time.Minute),
		report.MaxReading,
		report.AlertIndices)
	return err
}

// ByID loads one report.
func (r *ReportRepository) ByID(ctx context.Context, reportID string) (*reports.Report, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reports repo: nil db")
	}
	var report reports.Report
	var minutes int64
	var indices int64Array
	err := r.db.QueryRowContext(ctx, `
SELECT report_id, start_time, duration_minutes, max_reading, alert_indices, created_at
FROM reports
WHERE report_id = $1`, reportID).Scan(
		&report.ReportID,
		&report.StartTime,
		&minutes,
		&report.MaxReading,
		&indices,
		&report.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	report.StartTime = report.StartTime.UTC()
	report.CreatedAt = report.CreatedAt.UTC()
	report.Duration = time.Duration(minutes) * time.Minute
	report.AlertIndices = indices
	return &report, nil
}

// Between lists reports created inside the window. Used by the admin export
// surface.
func (r *ReportRepository) Between(ctx context.Context, from, to time.Time) ([]reports.Report, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reports repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT report_id, start_time, duration_minutes, max_reading, alert_indices, created_at
FROM reports
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reports.Report
	for rows.Next() {
		var report reports.Report
		var minutes int64
		var indices int64Array
		if err := rows.Scan(
			&report.ReportID,
			&report.StartTime,
			&minutes,
			&report.MaxReading,
			&indices,
			&report.CreatedAt,
		); err != nil {
			return nil, err
		}
		report.StartTime = report.StartTime.UTC()
		report.CreatedAt = report.CreatedAt.UTC()
		report.Duration = time.Duration(minutes) * time.Minute
		report.AlertIndices = indices
		result = append(result, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
