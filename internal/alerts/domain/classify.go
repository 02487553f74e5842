package alerts

import (
	"math"
	"sort"
	"time"
)

// Observation is one sensor's current reading as seen by the classifier.
type Observation struct {
	PM25         float64
	HasPM25      bool
	ChannelFlags int
	LastSeen     time.Time
}

// Rules holds the classification thresholds for one poll cycle.
type Rules struct {
	// Threshold is the PM2.5 level at and above which a reading spikes.
	Threshold float64
	// Ceiling is the PM2.5 level at and above which a reading is treated
	// as a sensor fault rather than air quality.
	Ceiling float64
	// StaleCutoff is the maximum age of a reading before the sensor is
	// considered offline.
	StaleCutoff time.Duration
}

// Spike is one sensor currently reading at or above the threshold.
type Spike struct {
	SensorIndex int64
	PM25        float64
}

// Classification partitions the tracked sensor set for one poll cycle. Every
// tracked sensor lands in exactly one group.
type Classification struct {
	// New spikes have no open alert yet.
	New []Spike
	// Ongoing spikes already have an open alert.
	Ongoing []Spike
	// Ended sensors have an open alert and have not been elevated for the
	// lag window.
	Ended []int64
	// Flagged sensors returned an invalid reading this cycle.
	Flagged []int64
	// NotSpiked sensors read below the threshold with no open alert, or
	// are waiting out the lag window on an open alert.
	NotSpiked []int64
}

// Classify partitions the tracked sensors given the cycle's readings, the set
// of sensors covered by open alerts, and the set not elevated within the lag
// window. An alert ends only once its sensor has been quiet for the whole lag,
// so a brief dip below the threshold does not close it. A reading is invalid
// when the sensor is missing from the response, reports nonzero channel flags,
// has not been seen within the stale cutoff, or reads at or above the ceiling;
// an invalid reading on an open alert still ends it once the lag elapses.
func Classify(tracked []int64, readings map[int64]Observation, activeSensors, notElevated map[int64]bool, rules Rules, now time.Time) Classification {
	var c Classification
	for _, sensorIndex := range tracked {
		obs, seen := readings[sensorIndex]
		valid := seen && !invalid(obs, rules, now)
		active := activeSensors[sensorIndex]
		spiked := valid && obs.PM25 >= rules.Threshold
		switch {
		case spiked && active:
			c.Ongoing = append(c.Ongoing, Spike{SensorIndex: sensorIndex, PM25: obs.PM25})
		case spiked:
			c.New = append(c.New, Spike{SensorIndex: sensorIndex, PM25: obs.PM25})
		case active && notElevated[sensorIndex]:
			c.Ended = append(c.Ended, sensorIndex)
		case !valid:
			c.Flagged = append(c.Flagged, sensorIndex)
		default:
			c.NotSpiked = append(c.NotSpiked, sensorIndex)
		}
	}
	sort.Slice(c.New, func(i, j int) bool { return c.New[i].SensorIndex < c.New[j].SensorIndex })
	sort.Slice(c.Ongoing, func(i, j int) bool { return c.Ongoing[i].SensorIndex < c.Ongoing[j].SensorIndex })
	sort.Slice(c.Ended, func(i, j int) bool { return c.Ended[i] < c.Ended[j] })
	sort.Slice(c.Flagged, func(i, j int) bool { return c.Flagged[i] < c.Flagged[j] })
	sort.Slice(c.NotSpiked, func(i, j int) bool { return c.NotSpiked[i] < c.NotSpiked[j] })
	return c
}

func invalid(obs Observation, rules Rules, now time.Time) bool {
	if !obs.HasPM25 || math.IsNaN(obs.PM25) {
		return true
	}
	if obs.ChannelFlags != 0 {
		return true
	}
	if rules.StaleCutoff > 0 && now.Sub(obs.LastSeen) > rules.StaleCutoff {
		return true
	}
	if rules.Ceiling > 0 && obs.PM25 >= rules.Ceiling {
		return true
	}
	return false
}
