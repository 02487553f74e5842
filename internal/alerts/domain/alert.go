package alerts

import (
	"errors"
	"time"
)

// ErrNotFound reports a missing alert row.
var ErrNotFound = errors.New("alerts: not found")

// ActiveAlert is an open spike alert. SensorIndices holds one sensor today;
// the array form leaves room for clustering adjacent sensors into one alert.
type ActiveAlert struct {
	AlertIndex    int64
	StartTime     time.Time
	LastUpdate    time.Time
	MaxReading    float64
	SensorIndices []int64
}

// Covers reports whether the alert tracks the given sensor.
func (a ActiveAlert) Covers(sensorIndex int64) bool {
	for _, index := range a.SensorIndices {
		if index == sensorIndex {
			return true
		}
	}
	return false
}

// ArchivedAlert is a closed alert moved out of the active table.
type ArchivedAlert struct {
	AlertIndex    int64
	StartTime     time.Time
	Duration      time.Duration
	MaxReading    float64
	SensorIndices []int64
}

// Archive closes the alert at the given time. Duration is rounded down to
// whole minutes.
func (a ActiveAlert) Archive(endTime time.Time) ArchivedAlert {
	duration := endTime.Sub(a.StartTime)
	if duration < 0 {
		duration = 0
	}
	return ArchivedAlert{
		AlertIndex:    a.AlertIndex,
		StartTime:     a.StartTime,
		Duration:      duration.Truncate(time.Minute),
		MaxReading:    a.MaxReading,
		SensorIndices: a.SensorIndices,
	}
}
