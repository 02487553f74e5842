package sensors

import (
	"errors"
	"time"
)

// Channel states managed by the roster reconciliation.
const (
	StateRetired = 0
	StateOn      = 3
)

// Channel flag values. Upstream reports 0-3; FlagInvalidReading is stamped by
// this service when a reading fails validity filtering and keeps the sensor
// tracked for the next daily reconciliation to re-admit.
const (
	FlagHealthy        = 0
	FlagInvalidReading = 4
)

// ErrNotFound reports a missing sensor row.
var ErrNotFound = errors.New("sensors: not found")

// Sensor is one monitored air-quality sensor.
type Sensor struct {
	SensorIndex  int64
	Name         string
	LastSeen     time.Time
	LastElevated time.Time
	ChannelState int
	ChannelFlags int
	Latitude     float64
	Longitude    float64
}

// Validate checks roster invariants before insert.
func (s Sensor) Validate() error {
	if s.SensorIndex <= 0 {
		return errors.New("sensors: invalid sensor index")
	}
	if s.Name == "" {
		return errors.New("sensors: empty name")
	}
	if s.Latitude == 0 && s.Longitude == 0 {
		return errors.New("sensors: missing location")
	}
	return nil
}

// Trackable reports whether the sensor participates in spike polling.
func (s Sensor) Trackable() bool {
	if s.ChannelState != StateOn {
		return false
	}
	return s.ChannelFlags == FlagHealthy || s.ChannelFlags == FlagInvalidReading
}
