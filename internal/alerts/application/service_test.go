package application

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	alerts "spikealerts/internal/alerts/domain"
	"spikealerts/internal/feed"
	"spikealerts/internal/notify"
	reports "spikealerts/internal/reports/domain"
	sensors "spikealerts/internal/sensors/domain"
	subscribers "spikealerts/internal/subscribers/domain"
)

type stubFeed struct {
	snapshot feed.Snapshot
}

func (f *stubFeed) FetchReadings(_ context.Context, _ []int64) (feed.Snapshot, error) {
	return f.snapshot, nil
}

type stubSensors struct {
	tracked   []int64
	notRecent []int64
	meta      map[int64]sensors.Sensor

	flagged []int64
	stamped []int64
}

func (s *stubSensors) TrackedIDs(_ context.Context) ([]int64, error) { return s.tracked, nil }

func (s *stubSensors) NotRecentlyElevated(_ context.Context, _ time.Duration) ([]int64, error) {
	return s.notRecent, nil
}

func (s *stubSensors) StampLastElevated(_ context.Context, ids []int64, _ time.Time) error {
	s.stamped = append(s.stamped, ids...)
	return nil
}

func (s *stubSensors) Flag(_ context.Context, ids []int64) error {
	s.flagged = append(s.flagged, ids...)
	return nil
}

func (s *stubSensors) ByIndices(_ context.Context, ids []int64) ([]sensors.Sensor, error) {
	var result []sensors.Sensor
	for _, id := range ids {
		if meta, ok := s.meta[id]; ok {
			result = append(result, meta)
		}
	}
	return result, nil
}

type memActive struct {
	alerts    []alerts.ActiveAlert
	nextIndex int64
}

func (m *memActive) Open(_ context.Context, startTime time.Time, maxReading float64, sensorIndices []int64) (int64, error) {
	m.nextIndex++
	m.alerts = append(m.alerts, alerts.ActiveAlert{
		AlertIndex:    m.nextIndex,
		StartTime:     startTime,
		LastUpdate:    startTime,
		MaxReading:    maxReading,
		SensorIndices: sensorIndices,
	})
	return m.nextIndex, nil
}

func (m *memActive) All(_ context.Context) ([]alerts.ActiveAlert, error) {
	return append([]alerts.ActiveAlert(nil), m.alerts...), nil
}

func (m *memActive) RaiseMax(_ context.Context, sensorIndex int64, reading float64) error {
	for i := range m.alerts {
		if m.alerts[i].Covers(sensorIndex) && reading > m.alerts[i].MaxReading {
			m.alerts[i].MaxReading = reading
		}
	}
	return nil
}

func (m *memActive) Close(_ context.Context, endedSensors []int64) ([]alerts.ActiveAlert, error) {
	ended := make(map[int64]bool, len(endedSensors))
	for _, id := range endedSensors {
		ended[id] = true
	}
	var closed, kept []alerts.ActiveAlert
	for _, alert := range m.alerts {
		covered := len(alert.SensorIndices) > 0
		for _, id := range alert.SensorIndices {
			if !ended[id] {
				covered = false
				break
			}
		}
		if covered {
			closed = append(closed, alert)
		} else {
			kept = append(kept, alert)
		}
	}
	m.alerts = kept
	return closed, nil
}

type memArchive struct {
	archived map[int64]alerts.ArchivedAlert
}

func (m *memArchive) Insert(_ context.Context, alert alerts.ArchivedAlert) error {
	if m.archived == nil {
		m.archived = make(map[int64]alerts.ArchivedAlert)
	}
	m.archived[alert.AlertIndex] = alert
	return nil
}

func (m *memArchive) ByIndices(_ context.Context, alertIndices []int64) ([]alerts.ArchivedAlert, error) {
	var result []alerts.ArchivedAlert
	for _, index := range alertIndices {
		if alert, ok := m.archived[index]; ok {
			result = append(result, alert)
		}
	}
	return result, nil
}

type memSubscribers struct {
	nearby []string
	active map[string][]int64
	cached map[string][]int64
}

func newMemSubscribers(nearby ...string) *memSubscribers {
	m := &memSubscribers{
		nearby: nearby,
		active: make(map[string][]int64),
		cached: make(map[string][]int64),
	}
	for _, phone := range nearby {
		m.active[phone] = nil
		m.cached[phone] = nil
	}
	return m
}

func (m *memSubscribers) Nearby(_ context.Context, _, _, _ float64) ([]subscribers.NearbyCandidate, error) {
	var result []subscribers.NearbyCandidate
	for _, phone := range m.nearby {
		result = append(result, subscribers.NearbyCandidate{
			PhoneNumber: phone,
			Eligible:    len(m.active[phone]) == 0 && len(m.cached[phone]) == 0,
		})
	}
	return result, nil
}

func (m *memSubscribers) EndCandidates(_ context.Context) ([]subscribers.EndCandidate, error) {
	var result []subscribers.EndCandidate
	for _, phone := range m.nearby {
		if len(m.active[phone]) == 0 && len(m.cached[phone]) > 0 {
			result = append(result, subscribers.EndCandidate{PhoneNumber: phone, CachedAlerts: m.cached[phone]})
		}
	}
	return result, nil
}

func (m *memSubscribers) AppendActive(_ context.Context, phones []string, alertIndex int64) error {
	for _, phone := range phones {
		m.active[phone] = append(m.active[phone], alertIndex)
	}
	return nil
}

func (m *memSubscribers) MoveToCache(_ context.Context, alertIndex int64) error {
	for phone, active := range m.active {
		var kept []int64
		moved := false
		for _, index := range active {
			if index == alertIndex {
				moved = true
				continue
			}
			kept = append(kept, index)
		}
		if moved {
			m.active[phone] = kept
			m.cached[phone] = append(m.cached[phone], alertIndex)
		}
	}
	return nil
}

func (m *memSubscribers) ClearCache(_ context.Context, phones []string) error {
	for _, phone := range phones {
		m.cached[phone] = nil
	}
	return nil
}

type memReports struct {
	inserted []reports.Report
}

func (m *memReports) NextSequence(_ context.Context, _ time.Time) (int, error) {
	return len(m.inserted) + 1, nil
}

func (m *memReports) Insert(_ context.Context, report reports.Report) error {
	m.inserted = append(m.inserted, report)
	return nil
}

type stubNotifier struct {
	quiet     bool
	delivered map[string][]string
}

func (n *stubNotifier) Deliver(_ context.Context, kind string, phones []string, _ string) ([]string, []string, error) {
	if n.quiet {
		return nil, phones, nil
	}
	if n.delivered == nil {
		n.delivered = make(map[string][]string)
	}
	n.delivered[kind] = append(n.delivered[kind], phones...)
	return phones, nil, nil
}

func (n *stubNotifier) SweepOptOuts(_ context.Context) ([]string, error) { return nil, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, feedClient Feed, sensorStore *stubSensors, active *memActive, archive *memArchive, subs *memSubscribers, reportStore *memReports, notifier *stubNotifier, now time.Time) *Service {
	t.Helper()
	service, err := NewService(feedClient, sensorStore, active, archive, subs, reportStore, notifier,
		log.New(io.Discard, "", 0),
		WithClock(fixedClock{now: now}),
		WithElevatedLag(20*time.Minute))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func snapshotAt(now time.Time, readings map[int64]feed.Reading) feed.Snapshot {
	return feed.Snapshot{Readings: readings, Taken: now}
}

func TestRunCycleOpensAlertAndTextsNearbySubscribers(t *testing.T) {
	now := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{143916},
		notRecent: []int64{143916},
		meta: map[int64]sensors.Sensor{
			143916: {SensorIndex: 143916, Name: "Phillips Community", Latitude: 44.95, Longitude: -93.26},
		},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(now, map[int64]feed.Reading{
		143916: {SensorIndex: 143916, PM25: 88.4, HasPM25: true, LastSeen: now},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234", "+16125555678")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, now)

	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Opened != 1 || stats.StartTexts != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(active.alerts) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(active.alerts))
	}
	if got := notifier.delivered[notify.KindStart]; len(got) != 2 {
		t.Fatalf("expected 2 start texts, got %v", got)
	}
	if len(subs.active["+16125551234"]) != 1 {
		t.Fatalf("expected alert linked to subscriber, got %v", subs.active)
	}
	if len(sensorStore.stamped) != 1 || sensorStore.stamped[0] != 143916 {
		t.Fatalf("expected last elevated stamp, got %v", sensorStore.stamped)
	}
}

func TestRunCycleDoesNotRetextLinkedSubscribers(t *testing.T) {
	now := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{1, 2},
		notRecent: []int64{1, 2},
		meta: map[int64]sensors.Sensor{
			1: {SensorIndex: 1, Name: "A", Latitude: 44.95, Longitude: -93.26},
			2: {SensorIndex: 2, Name: "B", Latitude: 44.96, Longitude: -93.27},
		},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(now, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 90, HasPM25: true, LastSeen: now},
		2: {SensorIndex: 2, PM25: 10, HasPM25: true, LastSeen: now},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, now)
	if _, err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// Second spike while the subscriber still has an open alert.
	feedClient.snapshot = snapshotAt(now.Add(10*time.Minute), map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 95, HasPM25: true, LastSeen: now.Add(10 * time.Minute)},
		2: {SensorIndex: 2, PM25: 80, HasPM25: true, LastSeen: now.Add(10 * time.Minute)},
	})
	if _, err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if got := notifier.delivered[notify.KindStart]; len(got) != 1 {
		t.Fatalf("expected exactly one start text, got %v", got)
	}
	if len(active.alerts) != 2 {
		t.Fatalf("expected 2 open alerts, got %d", len(active.alerts))
	}
	// The second alert is still linked so the end report covers both.
	if len(subs.active["+16125551234"]) != 2 {
		t.Fatalf("expected both alerts linked, got %v", subs.active)
	}
}

func TestRunCycleClosesAlertAndSendsReport(t *testing.T) {
	start := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{143916},
		notRecent: []int64{143916},
		meta: map[int64]sensors.Sensor{
			143916: {SensorIndex: 143916, Name: "Phillips Community", Latitude: 44.95, Longitude: -93.26},
		},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(start, map[int64]feed.Reading{
		143916: {SensorIndex: 143916, PM25: 88.4, HasPM25: true, LastSeen: start},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, start)
	if _, err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("spike cycle: %v", err)
	}

	// Air clears 47 minutes later.
	end := start.Add(47 * time.Minute)
	feedClient.snapshot = snapshotAt(end, map[int64]feed.Reading{
		143916: {SensorIndex: 143916, PM25: 5, HasPM25: true, LastSeen: end},
	})
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("clear cycle: %v", err)
	}
	if stats.Archived != 1 || stats.EndTexts != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(active.alerts) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(active.alerts))
	}
	if len(archive.archived) != 1 {
		t.Fatalf("expected 1 archived alert, got %d", len(archive.archived))
	}
	if got := archive.archived[1].Duration; got != 47*time.Minute {
		t.Fatalf("expected 47m duration, got %s", got)
	}
	if len(reportStore.inserted) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reportStore.inserted))
	}
	if got := reportStore.inserted[0].ReportID; got != "00001-080126" {
		t.Fatalf("unexpected report id %q", got)
	}
	if len(subs.cached["+16125551234"]) != 0 {
		t.Fatalf("expected cache cleared, got %v", subs.cached)
	}
	if got := notifier.delivered[notify.KindEnd]; len(got) != 1 {
		t.Fatalf("expected 1 end text, got %v", got)
	}
}

func TestRunCycleCreatesOneReportWhenEndTextHeld(t *testing.T) {
	start := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{1},
		notRecent: []int64{1},
		meta:      map[int64]sensors.Sensor{1: {SensorIndex: 1, Name: "A", Latitude: 44.95, Longitude: -93.26}},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(start, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 90, HasPM25: true, LastSeen: start},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, start)
	if _, err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("spike cycle: %v", err)
	}

	// Spike ends during quiet hours: the report and cache transfer happen
	// once, only the text is held.
	notifier.quiet = true
	end := start.Add(30 * time.Minute)
	feedClient.snapshot = snapshotAt(end, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 5, HasPM25: true, LastSeen: end},
	})
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("clear cycle: %v", err)
	}
	if stats.EndTexts != 0 {
		t.Fatalf("expected held end text, got %+v", stats)
	}
	if len(reportStore.inserted) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reportStore.inserted))
	}
	if len(subs.cached["+16125551234"]) != 0 {
		t.Fatalf("expected cache cleared despite the hold, got %v", subs.cached)
	}

	// Further quiet cycles must not mint more reports.
	for i := 0; i < 2; i++ {
		feedClient.snapshot = snapshotAt(end.Add(time.Duration(i+1)*10*time.Minute), map[int64]feed.Reading{
			1: {SensorIndex: 1, PM25: 5, HasPM25: true, LastSeen: end.Add(time.Duration(i+1) * 10 * time.Minute)},
		})
		if _, err := service.RunCycle(context.Background()); err != nil {
			t.Fatalf("quiet cycle %d: %v", i, err)
		}
	}
	if len(reportStore.inserted) != 1 {
		t.Fatalf("expected exactly 1 report after quiet cycles, got %d", len(reportStore.inserted))
	}
}

func TestRunCycleFlagsInvalidReadings(t *testing.T) {
	now := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{tracked: []int64{1, 2, 3}}
	feedClient := &stubFeed{snapshot: snapshotAt(now, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 1500, HasPM25: true, LastSeen: now},
		2: {SensorIndex: 2, PM25: 20, HasPM25: true, ChannelFlags: 1, LastSeen: now},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers()
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, now)
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Flagged != 3 {
		t.Fatalf("expected 3 flagged, got %+v", stats)
	}
	if len(sensorStore.flagged) != 3 {
		t.Fatalf("expected flag writes, got %v", sensorStore.flagged)
	}
	if len(active.alerts) != 0 {
		t.Fatalf("ceiling reading must not open an alert, got %v", active.alerts)
	}
}

func TestRunCycleKeepsAlertOpenInsideLagWindow(t *testing.T) {
	start := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{1},
		notRecent: []int64{1},
		meta:      map[int64]sensors.Sensor{1: {SensorIndex: 1, Name: "A", Latitude: 44.95, Longitude: -93.26}},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(start, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 90, HasPM25: true, LastSeen: start},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, start)
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("spike cycle: %v", err)
	}
	if stats.Opened != 1 || stats.StartTexts != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	// Reading dips five minutes in, still inside the lag window: the alert
	// must stay open.
	sensorStore.notRecent = nil
	dip := start.Add(5 * time.Minute)
	feedClient.snapshot = snapshotAt(dip, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 10, HasPM25: true, LastSeen: dip},
	})
	stats, err = service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("dip cycle: %v", err)
	}
	if stats.Archived != 0 || len(active.alerts) != 1 {
		t.Fatalf("alert must stay open inside the lag window, got %+v, open=%d", stats, len(active.alerts))
	}

	// The lag elapses with no new elevation: now the alert closes.
	sensorStore.notRecent = []int64{1}
	clear := start.Add(25 * time.Minute)
	feedClient.snapshot = snapshotAt(clear, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 10, HasPM25: true, LastSeen: clear},
	})
	stats, err = service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("clear cycle: %v", err)
	}
	if stats.Archived != 1 || len(active.alerts) != 0 {
		t.Fatalf("expected alert closed after the lag, got %+v, open=%d", stats, len(active.alerts))
	}
}

func TestRunCycleLinksNearbySubscriberDuringQuietHours(t *testing.T) {
	now := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{1},
		notRecent: []int64{1},
		meta:      map[int64]sensors.Sensor{1: {SensorIndex: 1, Name: "A", Latitude: 44.95, Longitude: -93.26}},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(now, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 90, HasPM25: true, LastSeen: now},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{quiet: true}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, now)
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Opened != 1 || stats.StartTexts != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(notifier.delivered[notify.KindStart]) != 0 {
		t.Fatalf("expected no start texts during quiet hours, got %v", notifier.delivered)
	}
	// The text is held but the alert is still linked, so the subscriber's
	// end report covers it.
	if len(subs.active["+16125551234"]) != 1 {
		t.Fatalf("expected alert linked during quiet hours, got %v", subs.active)
	}
}

func TestRunCycleClosesAlertWhenSensorVanishes(t *testing.T) {
	start := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	sensorStore := &stubSensors{
		tracked:   []int64{1},
		notRecent: []int64{1},
		meta:      map[int64]sensors.Sensor{1: {SensorIndex: 1, Name: "A", Latitude: 44.95, Longitude: -93.26}},
	}
	feedClient := &stubFeed{snapshot: snapshotAt(start, map[int64]feed.Reading{
		1: {SensorIndex: 1, PM25: 90, HasPM25: true, LastSeen: start},
	})}
	active := &memActive{}
	archive := &memArchive{}
	subs := newMemSubscribers("+16125551234")
	reportStore := &memReports{}
	notifier := &stubNotifier{}

	service := newTestService(t, feedClient, sensorStore, active, archive, subs, reportStore, notifier, start)
	if _, err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("spike cycle: %v", err)
	}

	// The sensor drops out of the feed inside the lag window: flagged, but
	// the alert stays open.
	sensorStore.notRecent = nil
	gone := start.Add(10 * time.Minute)
	feedClient.snapshot = snapshotAt(gone, nil)
	stats, err := service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("vanish cycle: %v", err)
	}
	if stats.Flagged != 1 || len(active.alerts) != 1 {
		t.Fatalf("expected flagged sensor with open alert, got %+v, open=%d", stats, len(active.alerts))
	}

	// Still missing once the lag elapses: the alert closes and archives.
	sensorStore.notRecent = []int64{1}
	feedClient.snapshot = snapshotAt(start.Add(30*time.Minute), nil)
	stats, err = service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("close cycle: %v", err)
	}
	if stats.Archived != 1 || len(active.alerts) != 0 {
		t.Fatalf("expected vanished sensor's alert closed, got %+v, open=%d", stats, len(active.alerts))
	}
	if len(archive.archived) != 1 {
		t.Fatalf("expected 1 archived alert, got %d", len(archive.archived))
	}
}
