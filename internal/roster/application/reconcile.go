package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"spikealerts/internal/directory"
	"spikealerts/internal/feed"
	"spikealerts/internal/notify"
	"spikealerts/internal/observability/metrics"
	sensors "spikealerts/internal/sensors/domain"
	subscribers "spikealerts/internal/subscribers/domain"
)

// Feed lists the upstream sensor roster.
type Feed interface {
	FetchRoster(ctx context.Context, box feed.BoundingBox) ([]feed.RosterSensor, error)
}

// SensorStore is the slice of the sensor repository reconciliation needs.
type SensorStore interface {
	All(ctx context.Context) ([]sensors.Sensor, error)
	Insert(ctx context.Context, s sensors.Sensor) error
	Retire(ctx context.Context, sensorIDs []int64) error
	UpdateName(ctx context.Context, sensorID int64, name string) error
	RefreshStatus(ctx context.Context, sensorID int64, lastSeen time.Time, channelFlags int) error
	Extent(ctx context.Context, padMeters float64) (nwLng, nwLat, seLng, seLat float64, err error)
}

// Directory lists new enrollment records.
type Directory interface {
	FetchSignups(ctx context.Context, afterRecordID int64) ([]directory.Signup, error)
}

// SubscriberStore enrolls imported signups.
type SubscriberStore interface {
	Insert(ctx context.Context, s subscribers.Subscriber) error
	Exists(ctx context.Context, phone string) (bool, error)
}

// Notifier sends welcome texts.
type Notifier interface {
	Deliver(ctx context.Context, kind string, phones []string, body string) (delivered, held []string, err error)
}

// Stats summarizes one reconciliation run.
type Stats struct {
	Upstream  int
	Added     int
	Retired   int
	Renamed   int
	Refreshed int
	Signups   int
	Welcomed  int
}

// Reconciler merges the upstream sensor roster into the local one once a day
// and imports new subscriber signups.
type Reconciler struct {
	feed        Feed
	sensors     SensorStore
	directory   Directory
	subscribers SubscriberStore
	notifier    Notifier
	log         *log.Logger

	padMeters    float64
	lastRecordID int64
}

// NewReconciler constructs a reconciler. padMeters widens the roster bounding
// box so sensors just outside the current extent are still discovered.
func NewReconciler(feedClient Feed, sensorStore SensorStore, directoryClient Directory, subscriberStore SubscriberStore, notifier Notifier, padMeters float64, logger *log.Logger) (*Reconciler, error) {
	if feedClient == nil {
		return nil, errors.New("roster: nil feed client")
	}
	if sensorStore == nil || subscriberStore == nil {
		return nil, errors.New("roster: nil store")
	}
	if notifier == nil {
		return nil, errors.New("roster: nil notifier")
	}
	if logger == nil {
		logger = log.Default()
	}
	if padMeters <= 0 {
		padMeters = 1000
	}
	return &Reconciler{
		feed:        feedClient,
		sensors:     sensorStore,
		directory:   directoryClient,
		subscribers: subscriberStore,
		notifier:    notifier,
		log:         logger,
		padMeters:   padMeters,
	}, nil
}

// Run executes one reconciliation. Roster changes are merged into five
// outcomes per sensor: unchanged, added, retired, renamed, refreshed. A
// refresh adopts the upstream flags, which re-admits sensors flagged for
// invalid readings once upstream reports them healthy again.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	started := time.Now()
	var stats Stats
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveReconcile(result, time.Since(started))
	}()

	nwLng, nwLat, seLng, seLat, err := r.sensors.Extent(ctx, r.padMeters)
	if err != nil {
		result = metrics.ResultError
		return stats, fmt.Errorf("roster: extent: %w", err)
	}

	upstream, err := r.feed.FetchRoster(ctx, feed.BoundingBox{NWLng: nwLng, NWLat: nwLat, SELng: seLng, SELat: seLat})
	if err != nil {
		result = metrics.ResultError
		return stats, fmt.Errorf("roster: fetch roster: %w", err)
	}
	stats.Upstream = len(upstream)

	current, err := r.sensors.All(ctx)
	if err != nil {
		result = metrics.ResultError
		return stats, fmt.Errorf("roster: load roster: %w", err)
	}
	known := make(map[int64]sensors.Sensor, len(current))
	for _, s := range current {
		known[s.SensorIndex] = s
	}

	seen := make(map[int64]bool, len(upstream))
	for _, remote := range upstream {
		seen[remote.SensorIndex] = true
		local, ok := known[remote.SensorIndex]
		if !ok {
			name := remote.Name
			if name == "" {
				name = "Sensor " + strconv.FormatInt(remote.SensorIndex, 10)
			}
			err := r.sensors.Insert(ctx, sensors.Sensor{
				SensorIndex:  remote.SensorIndex,
				Name:         name,
				LastSeen:     remote.LastSeen,
				ChannelState: sensors.StateOn,
				ChannelFlags: remote.ChannelFlags,
				Latitude:     remote.Latitude,
				Longitude:    remote.Longitude,
			})
			if err != nil {
				r.log.Printf("roster: insert sensor %d: %v", remote.SensorIndex, err)
				metrics.IncStoreError("insert_sensor")
				continue
			}
			stats.Added++
			continue
		}

		if remote.Name != "" && remote.Name != local.Name {
			if err := r.sensors.UpdateName(ctx, remote.SensorIndex, remote.Name); err != nil {
				r.log.Printf("roster: rename sensor %d: %v", remote.SensorIndex, err)
				metrics.IncStoreError("rename_sensor")
			} else {
				stats.Renamed++
			}
		}
		if err := r.sensors.RefreshStatus(ctx, remote.SensorIndex, remote.LastSeen, remote.ChannelFlags); err != nil {
			r.log.Printf("roster: refresh sensor %d: %v", remote.SensorIndex, err)
			metrics.IncStoreError("refresh_sensor")
			continue
		}
		stats.Refreshed++
	}

	var expired []int64
	for _, s := range current {
		if s.ChannelState == sensors.StateOn && !seen[s.SensorIndex] {
			expired = append(expired, s.SensorIndex)
		}
	}
	if len(expired) > 0 {
		if err := r.sensors.Retire(ctx, expired); err != nil {
			r.log.Printf("roster: retire sensors %v: %v", expired, err)
			metrics.IncStoreError("retire_sensors")
		} else {
			stats.Retired = len(expired)
		}
	}

	if r.directory != nil {
		if err := r.importSignups(ctx, &stats); err != nil {
			r.log.Printf("roster: import signups: %v", err)
		}
	}

	r.log.Printf("roster: reconciled upstream=%d added=%d retired=%d renamed=%d signups=%d",
		stats.Upstream, stats.Added, stats.Retired, stats.Renamed, stats.Signups)
	return stats, nil
}

func (r *Reconciler) importSignups(ctx context.Context, stats *Stats) error {
	signups, err := r.directory.FetchSignups(ctx, r.lastRecordID)
	if err != nil {
		return err
	}
	for _, signup := range signups {
		if signup.RecordID > r.lastRecordID {
			r.lastRecordID = signup.RecordID
		}
		subscriber := subscribers.Subscriber{
			PhoneNumber: signup.PhoneNumber,
			Latitude:    signup.Latitude,
			Longitude:   signup.Longitude,
		}
		if err := subscriber.Validate(); err != nil {
			r.log.Printf("roster: skip signup %d: %v", signup.RecordID, err)
			continue
		}
		exists, err := r.subscribers.Exists(ctx, signup.PhoneNumber)
		if err != nil {
			r.log.Printf("roster: check signup %d: %v", signup.RecordID, err)
			metrics.IncStoreError("check_subscriber")
			continue
		}
		if exists {
			continue
		}
		if err := r.subscribers.Insert(ctx, subscriber); err != nil {
			r.log.Printf("roster: enroll %s: %v", signup.PhoneNumber, err)
			metrics.IncStoreError("insert_subscriber")
			continue
		}
		stats.Signups++
		delivered, _, err := r.notifier.Deliver(ctx, notify.KindWelcome, []string{signup.PhoneNumber}, notify.WelcomeMessage())
		if err != nil {
			r.log.Printf("roster: welcome %s: %v", signup.PhoneNumber, err)
		}
		stats.Welcomed += len(delivered)
	}
	return nil
}
