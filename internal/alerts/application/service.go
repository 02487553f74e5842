package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	alerts "spikealerts/internal/alerts/domain"
	"spikealerts/internal/feed"
	"spikealerts/internal/notify"
	"spikealerts/internal/observability/metrics"
	reports "spikealerts/internal/reports/domain"
	sensors "spikealerts/internal/sensors/domain"
	subscribers "spikealerts/internal/subscribers/domain"
)

// Feed polls the upstream sensor network.
type Feed interface {
	FetchReadings(ctx context.Context, sensorIDs []int64) (feed.Snapshot, error)
}

// SensorStore is the slice of the sensor repository the lifecycle needs.
type SensorStore interface {
	TrackedIDs(ctx context.Context) ([]int64, error)
	NotRecentlyElevated(ctx context.Context, lag time.Duration) ([]int64, error)
	StampLastElevated(ctx context.Context, sensorIDs []int64, at time.Time) error
	Flag(ctx context.Context, sensorIDs []int64) error
	ByIndices(ctx context.Context, sensorIDs []int64) ([]sensors.Sensor, error)
}

// ActiveStore manages open alerts.
type ActiveStore interface {
	Open(ctx context.Context, startTime time.Time, maxReading float64, sensorIndices []int64) (int64, error)
	All(ctx context.Context) ([]alerts.ActiveAlert, error)
	RaiseMax(ctx context.Context, sensorIndex int64, reading float64) error
	Close(ctx context.Context, endedSensors []int64) ([]alerts.ActiveAlert, error)
}

// ArchiveStore manages closed alerts.
type ArchiveStore interface {
	Insert(ctx context.Context, alert alerts.ArchivedAlert) error
	ByIndices(ctx context.Context, alertIndices []int64) ([]alerts.ArchivedAlert, error)
}

// SubscriberStore is the slice of the subscriber repository the lifecycle
// needs.
type SubscriberStore interface {
	Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]subscribers.NearbyCandidate, error)
	EndCandidates(ctx context.Context) ([]subscribers.EndCandidate, error)
	AppendActive(ctx context.Context, phones []string, alertIndex int64) error
	MoveToCache(ctx context.Context, alertIndex int64) error
	ClearCache(ctx context.Context, phones []string) error
}

// ReportStore manages end-of-alert reports.
type ReportStore interface {
	NextSequence(ctx context.Context, day time.Time) (int, error)
	Insert(ctx context.Context, report reports.Report) error
}

// Notifier sends texts and sweeps opt-outs.
type Notifier interface {
	Deliver(ctx context.Context, kind string, phones []string, body string) (delivered, held []string, err error)
	SweepOptOuts(ctx context.Context) ([]string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CycleStats summarizes one poll cycle for logging and tests.
type CycleStats struct {
	Tracked    int
	New        int
	Ongoing    int
	Ended      int
	Flagged    int
	Opened     int
	Archived   int
	StartTexts int
	EndTexts   int
	OptOuts    int
}

// Service drives the spike alert lifecycle: poll, classify, mutate alert
// state, and notify subscribers.
type Service struct {
	feed        Feed
	sensors     SensorStore
	active      ActiveStore
	archive     ArchiveStore
	subscribers SubscriberStore
	reports     ReportStore
	notifier    Notifier
	log         *log.Logger

	rules         alerts.Rules
	radiusMeters  float64
	elevatedLag   time.Duration
	reportBaseURL string
	loc           *time.Location
	clock         Clock
}

// Option configures the service.
type Option func(*Service)

// WithRules overrides the classification thresholds.
func WithRules(rules alerts.Rules) Option {
	return func(s *Service) { s.rules = rules }
}

// WithRadius sets the subscriber notification radius in meters.
func WithRadius(meters float64) Option {
	return func(s *Service) {
		if meters > 0 {
			s.radiusMeters = meters
		}
	}
}

// WithElevatedLag sets the re-alert debounce window.
func WithElevatedLag(lag time.Duration) Option {
	return func(s *Service) {
		if lag > 0 {
			s.elevatedLag = lag
		}
	}
}

// WithReportBaseURL sets the public report URL prefix used in end texts.
func WithReportBaseURL(baseURL string) Option {
	return func(s *Service) { s.reportBaseURL = baseURL }
}

// WithLocation sets the timezone for report ids and day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(feedClient Feed, sensorStore SensorStore, activeStore ActiveStore, archiveStore ArchiveStore, subscriberStore SubscriberStore, reportStore ReportStore, notifier Notifier, logger *log.Logger, opts ...Option) (*Service, error) {
	if feedClient == nil {
		return nil, errors.New("lifecycle: nil feed client")
	}
	if sensorStore == nil || activeStore == nil || archiveStore == nil || subscriberStore == nil || reportStore == nil {
		return nil, errors.New("lifecycle: nil store")
	}
	if notifier == nil {
		return nil, errors.New("lifecycle: nil notifier")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		feed:        feedClient,
		sensors:     sensorStore,
		active:      activeStore,
		archive:     archiveStore,
		subscribers: subscriberStore,
		reports:     reportStore,
		notifier:    notifier,
		log:         logger,

		rules:        alerts.Rules{Threshold: 35, Ceiling: 1000, StaleCutoff: time.Hour},
		radiusMeters: 1000,
		elevatedLag:  20 * time.Minute,
		loc:          time.UTC,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunCycle executes one poll cycle. State mutations happen in a fixed order
// so that a crash mid-cycle is repaired by replaying the next cycle: flag,
// open, update, close, archive, then notify. Per-row failures are logged and
// skipped; only cycle-fatal errors (feed or classification inputs) return.
func (s *Service) RunCycle(ctx context.Context) (CycleStats, error) {
	started := s.clock.Now()
	var stats CycleStats
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObservePollCycle(result, time.Since(started))
	}()

	tracked, err := s.sensors.TrackedIDs(ctx)
	if err != nil {
		result = metrics.ResultError
		return stats, fmt.Errorf("lifecycle: tracked ids: %w", err)
	}
	stats.Tracked = len(tracked)

	fetchStart := time.Now()
	snapshot, err := s.feed.FetchReadings(ctx, tracked)
	if err != nil {
		metrics.ObserveFeedRequest(metrics.ResultError, time.Since(fetchStart))
		result = metrics.ResultError
		return stats, fmt.Errorf("lifecycle: fetch readings: %w", err)
	}
	metrics.ObserveFeedRequest(metrics.ResultSuccess, time.Since(fetchStart))

	activeAlerts, err := s.active.All(ctx)
	if err != nil {
		result = metrics.ResultError
		return stats, fmt.Errorf("lifecycle: load active alerts: %w", err)
	}
	activeSensors := make(map[int64]bool)
	for _, alert := range activeAlerts {
		for _, sensorIndex := range alert.SensorIndices {
			activeSensors[sensorIndex] = true
		}
	}

	observations := make(map[int64]alerts.Observation, len(snapshot.Readings))
	for sensorIndex, reading := range snapshot.Readings {
		observations[sensorIndex] = alerts.Observation{
			PM25:         reading.PM25,
			HasPM25:      reading.HasPM25,
			ChannelFlags: reading.ChannelFlags,
			LastSeen:     reading.LastSeen,
		}
	}

	// Alerts close from the stored last_elevated timestamps, so the set is
	// read before this cycle's spikes are stamped.
	notElevated := make(map[int64]bool)
	if len(activeSensors) > 0 {
		quiet, err := s.sensors.NotRecentlyElevated(ctx, s.elevatedLag)
		if err != nil {
			s.log.Printf("lifecycle: load not-elevated set: %v", err)
			metrics.IncStoreError("not_recently_elevated")
		}
		for _, sensorIndex := range quiet {
			notElevated[sensorIndex] = true
		}
	}

	c := alerts.Classify(tracked, observations, activeSensors, notElevated, s.rules, snapshot.Taken)
	stats.New = len(c.New)
	stats.Ongoing = len(c.Ongoing)
	stats.Ended = len(c.Ended)
	stats.Flagged = len(c.Flagged)
	metrics.SetClassifiedSensors("new", len(c.New))
	metrics.SetClassifiedSensors("ongoing", len(c.Ongoing))
	metrics.SetClassifiedSensors("ended", len(c.Ended))
	metrics.SetClassifiedSensors("flagged", len(c.Flagged))
	metrics.SetClassifiedSensors("not_spiked", len(c.NotSpiked))

	if len(c.Flagged) > 0 {
		if err := s.sensors.Flag(ctx, c.Flagged); err != nil {
			s.log.Printf("lifecycle: flag sensors %v: %v", c.Flagged, err)
			metrics.IncStoreError("flag_sensors")
		} else {
			metrics.AddSensorsFlagged(len(c.Flagged))
		}
	}

	for _, spike := range c.New {
		alertIndex, err := s.active.Open(ctx, snapshot.Taken, spike.PM25, []int64{spike.SensorIndex})
		if err != nil {
			s.log.Printf("lifecycle: open alert for sensor %d: %v", spike.SensorIndex, err)
			metrics.IncStoreError("open_alert")
			continue
		}
		metrics.IncAlertsOpened()
		stats.Opened++
		s.log.Printf("lifecycle: opened alert %d for sensor %d at %.1f ug/m3", alertIndex, spike.SensorIndex, spike.PM25)
		stats.StartTexts += s.sendStartTexts(ctx, alertIndex, spike)
	}

	for _, spike := range c.Ongoing {
		if err := s.active.RaiseMax(ctx, spike.SensorIndex, spike.PM25); err != nil {
			s.log.Printf("lifecycle: raise max for sensor %d: %v", spike.SensorIndex, err)
			metrics.IncStoreError("raise_max")
		}
	}

	elevated := make([]int64, 0, len(c.New)+len(c.Ongoing))
	for _, spike := range c.New {
		elevated = append(elevated, spike.SensorIndex)
	}
	for _, spike := range c.Ongoing {
		elevated = append(elevated, spike.SensorIndex)
	}
	if err := s.sensors.StampLastElevated(ctx, elevated, snapshot.Taken); err != nil {
		s.log.Printf("lifecycle: stamp last elevated: %v", err)
		metrics.IncStoreError("stamp_last_elevated")
	}

	closed, err := s.active.Close(ctx, c.Ended)
	if err != nil {
		s.log.Printf("lifecycle: close alerts for %v: %v", c.Ended, err)
		metrics.IncStoreError("close_alerts")
	}
	for _, alert := range closed {
		if err := s.archive.Insert(ctx, alert.Archive(snapshot.Taken)); err != nil {
			s.log.Printf("lifecycle: archive alert %d: %v", alert.AlertIndex, err)
			metrics.IncStoreError("archive_alert")
			continue
		}
		if err := s.subscribers.MoveToCache(ctx, alert.AlertIndex); err != nil {
			s.log.Printf("lifecycle: cache alert %d: %v", alert.AlertIndex, err)
			metrics.IncStoreError("cache_alert")
			continue
		}
		stats.Archived++
	}
	metrics.AddAlertsArchived(stats.Archived)

	stats.EndTexts = s.sendEndTexts(ctx)

	removed, err := s.notifier.SweepOptOuts(ctx)
	if err != nil {
		s.log.Printf("lifecycle: opt-out sweep: %v", err)
	}
	stats.OptOuts = len(removed)

	s.log.Printf("lifecycle: cycle done tracked=%d new=%d ongoing=%d ended=%d flagged=%d start_texts=%d end_texts=%d",
		stats.Tracked, stats.New, stats.Ongoing, stats.Ended, stats.Flagged, stats.StartTexts, stats.EndTexts)
	return stats, nil
}

// sendStartTexts links a fresh alert to every subscriber within the radius
// and texts the subset whose alert lists are both empty. Linking happens even
// when the text is held for quiet hours, so the end report covers the alert
// either way.
func (s *Service) sendStartTexts(ctx context.Context, alertIndex int64, spike alerts.Spike) int {
	meta, err := s.sensors.ByIndices(ctx, []int64{spike.SensorIndex})
	if err != nil || len(meta) == 0 {
		s.log.Printf("lifecycle: sensor %d metadata: %v", spike.SensorIndex, err)
		metrics.IncStoreError("sensor_metadata")
		return 0
	}
	sensor := meta[0]

	nearby, err := s.subscribers.Nearby(ctx, sensor.Latitude, sensor.Longitude, s.radiusMeters)
	if err != nil {
		s.log.Printf("lifecycle: nearby subscribers for alert %d: %v", alertIndex, err)
		metrics.IncStoreError("nearby_subscribers")
		return 0
	}
	if len(nearby) == 0 {
		return 0
	}

	phones := make([]string, 0, len(nearby))
	var eligible []string
	for _, candidate := range nearby {
		phones = append(phones, candidate.PhoneNumber)
		if candidate.Eligible {
			eligible = append(eligible, candidate.PhoneNumber)
		}
	}
	if err := s.subscribers.AppendActive(ctx, phones, alertIndex); err != nil {
		s.log.Printf("lifecycle: link alert %d to subscribers: %v", alertIndex, err)
		metrics.IncStoreError("append_active")
	}
	if len(eligible) == 0 {
		return 0
	}

	body := notify.StartMessage(sensor.Name, spike.PM25, sensor.Latitude, sensor.Longitude)
	delivered, held, err := s.notifier.Deliver(ctx, notify.KindStart, eligible, body)
	if err != nil {
		s.log.Printf("lifecycle: deliver start texts for alert %d: %v", alertIndex, err)
	}
	if len(held) > 0 {
		s.log.Printf("lifecycle: held %d start text(s) for alert %d", len(held), alertIndex)
	}
	return len(delivered)
}

// sendEndTexts builds one report per drained subscriber, clears their cache,
// and texts the report link. The report and the cache transfer happen exactly
// once per drained batch; only the text itself is subject to quiet hours.
func (s *Service) sendEndTexts(ctx context.Context) int {
	candidates, err := s.subscribers.EndCandidates(ctx)
	if err != nil {
		s.log.Printf("lifecycle: end candidates: %v", err)
		metrics.IncStoreError("end_candidates")
		return 0
	}

	sent := 0
	for _, candidate := range candidates {
		archived, err := s.archive.ByIndices(ctx, candidate.CachedAlerts)
		if err != nil {
			s.log.Printf("lifecycle: archived alerts for %s: %v", candidate.PhoneNumber, err)
			metrics.IncStoreError("load_archive")
			continue
		}
		if len(archived) == 0 {
			// Cache referenced alerts that never made it to the
			// archive; drop it rather than retry forever.
			if err := s.subscribers.ClearCache(ctx, []string{candidate.PhoneNumber}); err != nil {
				s.log.Printf("lifecycle: clear stale cache for %s: %v", candidate.PhoneNumber, err)
			}
			continue
		}

		day := s.clock.Now().In(s.loc)
		sequence, err := s.reports.NextSequence(ctx, day)
		if err != nil {
			s.log.Printf("lifecycle: report sequence: %v", err)
			metrics.IncStoreError("report_sequence")
			continue
		}
		report, err := reports.Aggregate(reports.FormatReportID(sequence, day), archived)
		if err != nil {
			s.log.Printf("lifecycle: aggregate report for %s: %v", candidate.PhoneNumber, err)
			continue
		}
		if err := s.reports.Insert(ctx, report); err != nil {
			s.log.Printf("lifecycle: insert report %s: %v", report.ReportID, err)
			metrics.IncStoreError("insert_report")
			continue
		}
		metrics.IncReportCreated()

		if err := s.subscribers.ClearCache(ctx, []string{candidate.PhoneNumber}); err != nil {
			s.log.Printf("lifecycle: clear cache for %s: %v", candidate.PhoneNumber, err)
			metrics.IncStoreError("clear_cache")
		}

		body := notify.EndMessage(report, s.reportBaseURL)
		delivered, held, err := s.notifier.Deliver(ctx, notify.KindEnd, []string{candidate.PhoneNumber}, body)
		if err != nil {
			s.log.Printf("lifecycle: deliver end text to %s: %v", candidate.PhoneNumber, err)
		}
		if len(held) > 0 {
			s.log.Printf("lifecycle: held end text to %s", candidate.PhoneNumber)
		}
		sent += len(delivered)
	}
	return sent
}
