package reports

import (
	"errors"
	"fmt"
	"time"

	alerts "spikealerts/internal/alerts/domain"
)

// ErrNotFound reports a missing report row.
var ErrNotFound = errors.New("reports: not found")

// Report summarizes the closed alerts one subscriber was notified about. The
// identifier is shared with the subscriber so they can look the summary up.
type Report struct {
	ReportID     string
	StartTime    time.Time
	Duration     time.Duration
	MaxReading   float64
	AlertIndices []int64
	CreatedAt    time.Time
}

// FormatReportID renders the public identifier: a day-scoped sequence number
// and the date, e.g. "00013-080126".
func FormatReportID(sequence int, day time.Time) string {
	return fmt.Sprintf("%05d-%s", sequence, day.Format("010206"))
}

// Aggregate folds a set of archived alerts into one report. The window runs
// from the earliest start to the latest end, and the peak is the highest
// reading across all alerts.
func Aggregate(reportID string, archived []alerts.ArchivedAlert) (Report, error) {
	if len(archived) == 0 {
		return Report{}, errors.New("reports: no alerts to aggregate")
	}
	report := Report{
		ReportID:  reportID,
		StartTime: archived[0].StartTime,
	}
	end := archived[0].StartTime.Add(archived[0].Duration)
	for _, alert := range archived {
		if alert.StartTime.Before(report.StartTime) {
			report.StartTime = alert.StartTime
		}
		if alertEnd := alert.StartTime.Add(alert.Duration); alertEnd.After(end) {
			end = alertEnd
		}
		if alert.MaxReading > report.MaxReading {
			report.MaxReading = alert.MaxReading
		}
		report.AlertIndices = append(report.AlertIndices, alert.AlertIndex)
	}
	report.Duration = end.Sub(report.StartTime).Truncate(time.Minute)
	return report, nil
}
