package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	reports "spikealerts/internal/reports/domain"
	"spikealerts/internal/sms"
)

type stubSender struct {
	sent    []string
	sendErr map[string]error
	inbound []sms.Message
	purged  []string
}

func (s *stubSender) Send(_ context.Context, to, _ string) error {
	if err := s.sendErr[to]; err != nil {
		return err
	}
	s.sent = append(s.sent, to)
	return nil
}

func (s *stubSender) ListInbound(_ context.Context, _ time.Time) ([]sms.Message, error) {
	return s.inbound, nil
}

func (s *stubSender) PurgeHistory(_ context.Context, phone string) error {
	s.purged = append(s.purged, phone)
	return nil
}

type stubStore struct {
	recorded []string
	removed  []string
	removeErr error
}

func (s *stubStore) RecordMessage(_ context.Context, phone string, _ time.Time) error {
	s.recorded = append(s.recorded, phone)
	return nil
}

func (s *stubStore) Remove(_ context.Context, phone string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	s.removed = append(s.removed, phone)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestDispatcher(t *testing.T, sender Sender, store SubscriberStore, clock Clock, pacing time.Duration) (*Dispatcher, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	quiet := QuietHours{StartHour: 21, EndHour: 8, Location: time.UTC}
	d, err := NewDispatcher(sender, store, quiet, pacing, log.New(io.Discard, "", 0),
		WithClock(clock),
		WithSleep(func(dur time.Duration) { slept = append(slept, dur) }))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, &slept
}

func daytime() fixedClock {
	return fixedClock{now: time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)}
}

func TestDeliverPacesBetweenSends(t *testing.T) {
	sender := &stubSender{}
	store := &stubStore{}
	d, slept := newTestDispatcher(t, sender, store, daytime(), time.Second)

	delivered, held, err := d.Deliver(context.Background(), KindStart, []string{"+1", "+2", "+3"}, "body")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(delivered) != 3 || len(held) != 0 {
		t.Fatalf("expected 3 sends, got %v delivered %v held", delivered, held)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 pacing sleeps, got %d", len(*slept))
	}
	if len(store.recorded) != 3 {
		t.Fatalf("expected 3 recorded sends, got %v", store.recorded)
	}
}

func TestDeliverHoldsDuringQuietHours(t *testing.T) {
	sender := &stubSender{}
	store := &stubStore{}
	night := fixedClock{now: time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)}
	d, _ := newTestDispatcher(t, sender, store, night, time.Second)

	delivered, held, err := d.Deliver(context.Background(), KindStart, []string{"+1", "+2"}, "body")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(delivered) != 0 || len(held) != 2 {
		t.Fatalf("expected all holds, got %v delivered %v held", delivered, held)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("unexpected sends %v", sender.sent)
	}
}

func TestDeliverContinuesPastSendFailures(t *testing.T) {
	sender := &stubSender{sendErr: map[string]error{"+2": errors.New("provider down")}}
	store := &stubStore{}
	d, _ := newTestDispatcher(t, sender, store, daytime(), 0)

	delivered, _, err := d.Deliver(context.Background(), KindEnd, []string{"+1", "+2", "+3"}, "body")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != "+1" || delivered[1] != "+3" {
		t.Fatalf("expected sends to +1 and +3, got %v", delivered)
	}
	if len(store.recorded) != 2 {
		t.Fatalf("expected 2 recorded, got %v", store.recorded)
	}
}

func TestSweepOptOutsRemovesAndPurges(t *testing.T) {
	sender := &stubSender{inbound: []sms.Message{
		{SID: "SM1", From: "+1", Body: "STOP"},
		{SID: "SM2", From: "+2", Body: "thanks!"},
		{SID: "SM3", From: "+3", Body: " unsubscribe "},
	}}
	store := &stubStore{}
	d, _ := newTestDispatcher(t, sender, store, daytime(), 0)

	removed, err := d.SweepOptOuts(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 2 || removed[0] != "+1" || removed[1] != "+3" {
		t.Fatalf("unexpected removals %v", removed)
	}
	if len(store.removed) != 2 {
		t.Fatalf("unexpected store removals %v", store.removed)
	}
	if len(sender.purged) != 2 {
		t.Fatalf("expected history purges, got %v", sender.purged)
	}
}

func TestQuietHoursWindow(t *testing.T) {
	quiet := QuietHours{StartHour: 21, EndHour: 8, Location: time.UTC}
	cases := []struct {
		hour int
		want bool
	}{
		{7, true},
		{8, false},
		{14, false},
		{20, false},
		{21, true},
		{23, true},
		{0, true},
	}
	for _, tc := range cases {
		now := time.Date(2026, 8, 1, tc.hour, 30, 0, 0, time.UTC)
		if got := quiet.Quiet(now); got != tc.want {
			t.Errorf("Quiet at hour %d = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestMessageComposition(t *testing.T) {
	start := StartMessage("Phillips Community", 88.4, 44.9537, -93.2650)
	if !strings.Contains(start, "88.4") || !strings.Contains(start, "maps") || !strings.Contains(start, "STOP") {
		t.Fatalf("unexpected start message %q", start)
	}

	end := EndMessage(reports.Report{
		ReportID:   "00002-080126",
		Duration:   100 * time.Minute,
		MaxReading: 120.5,
	}, "https://example.org/reports")
	if !strings.Contains(end, "100 minutes") || !strings.Contains(end, "https://example.org/reports/00002-080126") {
		t.Fatalf("unexpected end message %q", end)
	}

	welcome := WelcomeMessage()
	if !strings.Contains(welcome, "STOP") {
		t.Fatalf("unexpected welcome message %q", welcome)
	}
}
