package notify

import (
	"fmt"
	"strings"
	"time"

	reports "spikealerts/internal/reports/domain"
)

// Message kinds, used for logging and metrics labels.
const (
	KindStart   = "start"
	KindEnd     = "end"
	KindWelcome = "welcome"
)

// StartMessage composes the text sent when a spike opens near a subscriber.
func StartMessage(sensorName string, pm25, lat, lng float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SPIKE ALERT! A sensor near you (%s) is reading %.1f ug/m3 of PM2.5.\n", sensorName, pm25)
	fmt.Fprintf(&b, "Location: https://www.google.com/maps/search/?api=1&query=%.5f,%.5f\n", lat, lng)
	b.WriteString("Avoid outdoor activity if you can. You will get a text when it ends.\n")
	b.WriteString("Reply STOP to unsubscribe.")
	return b.String()
}

// EndMessage composes the text sent when a subscriber's last open alert has
// closed, linking the aggregated report.
func EndMessage(report reports.Report, reportBaseURL string) string {
	var b strings.Builder
	b.WriteString("Spike alert over!\n")
	fmt.Fprintf(&b, "Duration: %d minutes. Peak reading: %.1f ug/m3.\n", int64(report.Duration/time.Minute), report.MaxReading)
	if reportBaseURL != "" {
		fmt.Fprintf(&b, "Report: %s/%s", strings.TrimRight(reportBaseURL, "/"), report.ReportID)
	} else {
		fmt.Fprintf(&b, "Report id: %s", report.ReportID)
	}
	return b.String()
}

// WelcomeMessage composes the enrollment confirmation for imported signups.
func WelcomeMessage() string {
	return "Welcome to SpikeAlerts! You will get a text when an air quality sensor near you reads unhealthy levels of PM2.5.\nReply STOP at any time to unsubscribe."
}

// QuietHours suppresses sends outside the waking window. StartHour is when
// quiet time begins in the evening, EndHour when it lifts in the morning.
type QuietHours struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// Quiet reports whether sends are suppressed at the given instant. Equal
// start and end hours disable the window.
func (q QuietHours) Quiet(now time.Time) bool {
	if q.StartHour == q.EndHour {
		return false
	}
	if q.Location != nil {
		now = now.In(q.Location)
	}
	hour := now.Hour()
	return hour >= q.StartHour || hour < q.EndHour
}
