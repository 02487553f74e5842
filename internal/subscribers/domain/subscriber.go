package subscribers

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound reports a missing subscriber row.
var ErrNotFound = errors.New("subscribers: not found")

// Subscriber is one phone number enrolled for spike alerts. ActiveAlerts and
// CachedAlerts drive message eligibility: a start text goes out only when both
// are empty, an end text only when ActiveAlerts has drained into CachedAlerts.
type Subscriber struct {
	PhoneNumber  string
	Latitude     float64
	Longitude    float64
	SubscribedAt time.Time
	ActiveAlerts []int64
	CachedAlerts []int64
	MessagesSent int
	LastMessaged time.Time
}

// Validate checks enrollment invariants before insert.
func (s Subscriber) Validate() error {
	if !ValidPhone(s.PhoneNumber) {
		return errors.New("subscribers: invalid phone number")
	}
	if s.Latitude == 0 && s.Longitude == 0 {
		return errors.New("subscribers: missing location")
	}
	return nil
}

// ValidPhone checks for E.164 shape, the only format the SMS provider accepts.
func ValidPhone(phone string) bool {
	if len(phone) < 8 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NearbyCandidate is a subscriber within the notification radius of a fresh
// spike. Every candidate gets the alert linked; only those with both alert
// lists empty are Eligible for a start text.
type NearbyCandidate struct {
	PhoneNumber string
	Eligible    bool
}

// EndCandidate is a subscriber whose last open alert has closed and who is
// owed an end-of-alert text.
type EndCandidate struct {
	PhoneNumber  string
	CachedAlerts []int64
}

// optOutKeywords are the provider-recognized stop words. Matching is
// case-insensitive on the trimmed message body.
var optOutKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// IsOptOut reports whether an inbound message body requests removal.
func IsOptOut(body string) bool {
	return optOutKeywords[strings.ToUpper(strings.TrimSpace(body))]
}
