package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	subscribers "spikealerts/internal/subscribers/domain"
)

// SubscriberRepository is a Postgres repository for alert subscribers.
type SubscriberRepository struct {
	db *sql.DB
}

// NewSubscriberRepository constructs a repository.
func NewSubscriberRepository(db *sql.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// Insert enrolls a subscriber. Re-enrolling an existing number is a no-op.
func (r *SubscriberRepository) Insert(ctx context.Context, s subscribers.Subscriber) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO subscribers (phone_number, geometry, subscribed_at, active_alerts, cached_alerts, messages_sent)
VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326), NOW(), '{}', '{}', 0)
ON CONFLICT (phone_number) DO NOTHING`,
		s.PhoneNumber, s.Longitude, s.Latitude)
	return err
}

// Remove deletes a subscriber after an opt-out.
func (r *SubscriberRepository) Remove(ctx context.Context, phone string) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
DELETE FROM subscribers
WHERE phone_number = $1`, phone)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return subscribers.ErrNotFound
	}
	return nil
}

// Nearby returns every subscriber within radiusMeters of the spike. All of
// them get the alert linked; eligibility marks the both-lists-empty subset
// that receives a start text.
func (r *SubscriberRepository) Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]subscribers.NearbyCandidate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("subscribers repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT phone_number, active_alerts = '{}' AND cached_alerts = '{}'
FROM subscribers
WHERE ST_DWithin(
	ST_Transform(geometry, 26915),
	ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), 26915),
	$3)
ORDER BY phone_number`, lng, lat, radiusMeters)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []subscribers.NearbyCandidate
	for rows.Next() {
		var candidate subscribers.NearbyCandidate
		if err := rows.Scan(&candidate.PhoneNumber, &candidate.Eligible); err != nil {
			return nil, err
		}
		result = append(result, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// EndCandidates returns subscribers with no open alerts and a non-empty cache.
// Their cached alert indices feed report aggregation.
func (r *SubscriberRepository) EndCandidates(ctx context.Context) ([]subscribers.EndCandidate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("subscribers repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT phone_number, cached_alerts
FROM subscribers
WHERE active_alerts = '{}' AND cached_alerts != '{}'
ORDER BY phone_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []subscribers.EndCandidate
	for rows.Next() {
		var candidate subscribers.EndCandidate
		var cached int64Array
		if err := rows.Scan(&candidate.PhoneNumber, &cached); err != nil {
			return nil, err
		}
		candidate.CachedAlerts = cached
		result = append(result, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AppendActive links an open alert to the given subscribers.
func (r *SubscriberRepository) AppendActive(ctx context.Context, phones []string, alertIndex int64) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	if len(phones) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE subscribers
SET active_alerts = ARRAY_APPEND(active_alerts, $1)
WHERE phone_number = ANY($2) AND NOT ($1 = ANY(active_alerts))`, alertIndex, phones)
	return err
}

// MoveToCache transfers a closed alert from every subscriber's active array to
// their cache, preserving it for the end-of-alert report.
func (r *SubscriberRepository) MoveToCache(ctx context.Context, alertIndex int64) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE subscribers
SET active_alerts = ARRAY_REMOVE(active_alerts, $1),
	cached_alerts = ARRAY_APPEND(cached_alerts, $1)
WHERE $1 = ANY(active_alerts)`, alertIndex)
	return err
}

// ClearCache empties the cached alerts after the end text goes out.
func (r *SubscriberRepository) ClearCache(ctx context.Context, phones []string) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	if len(phones) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE subscribers
SET cached_alerts = '{}'
WHERE phone_number = ANY($1)`, phones)
	return err
}

// RecordMessage bumps the send counter and stamps the send time.
func (r *SubscriberRepository) RecordMessage(ctx context.Context, phone string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("subscribers repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE subscribers
SET messages_sent = messages_sent + 1, last_messaged = $1
WHERE phone_number = $2`, at.UTC(), phone)
	return err
}

// Exists reports whether a phone number is already enrolled.
func (r *SubscriberRepository) Exists(ctx context.Context, phone string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("subscribers repo: nil db")
	}
	var one int
	err := r.db.QueryRowContext(ctx, `
SELECT 1
FROM subscribers
WHERE phone_number = $1`, phone).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// int64Array scans a Postgres bigint[] column rendered as "{1,2,3}".
type int64Array []int64

func (a *int64Array) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	var text string
	switch value := src.(type) {
	case string:
		text = value
	case []byte:
		text = string(value)
	default:
		return fmt.Errorf("subscribers repo: cannot scan %T into int64Array", src)
	}

	text = strings.TrimPrefix(strings.TrimSuffix(text, "}"), "{")
	if text == "" {
		*a = int64Array{}
		return nil
	}
	parts := strings.Split(text, ",")
	result := make(int64Array, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return fmt.Errorf("subscribers repo: malformed array element %q: %w", part, err)
		}
		result = append(result, value)
	}
	*a = result
	return nil
}
