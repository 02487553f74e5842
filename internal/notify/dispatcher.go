package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"spikealerts/internal/observability/metrics"
	"spikealerts/internal/sms"
	subscribers "spikealerts/internal/subscribers/domain"
)

// Sender delivers outbound texts and exposes the inbound message log.
type Sender interface {
	Send(ctx context.Context, to, body string) error
	ListInbound(ctx context.Context, since time.Time) ([]sms.Message, error)
	PurgeHistory(ctx context.Context, phone string) error
}

// SubscriberStore is the slice of the subscriber repository the dispatcher
// needs.
type SubscriberStore interface {
	RecordMessage(ctx context.Context, phone string, at time.Time) error
	Remove(ctx context.Context, phone string) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Dispatcher sends alert texts under quiet-hours and pacing constraints and
// sweeps the inbound log for opt-outs.
type Dispatcher struct {
	sender Sender
	store  SubscriberStore
	quiet  QuietHours
	pacing time.Duration
	clock  Clock
	sleep  func(time.Duration)
	log    *log.Logger

	lastSweep time.Time
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSleep overrides the pacing sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(sender Sender, store SubscriberStore, quiet QuietHours, pacing time.Duration, logger *log.Logger, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("notify: nil sender")
	}
	if store == nil {
		return nil, errors.New("notify: nil subscriber store")
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{
		sender: sender,
		store:  store,
		quiet:  quiet,
		pacing: pacing,
		clock:  realClock{},
		sleep:  time.Sleep,
		log:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastSweep = d.clock.Now()
	return d, nil
}

// Deliver sends one message body to each phone number, pacing sends to stay
// under the provider's rate limit. During quiet hours nothing is sent and the
// recipients are reported back as held. Per-recipient failures are logged and
// do not stop the batch. The first return value lists the numbers actually
// delivered to.
func (d *Dispatcher) Deliver(ctx context.Context, kind string, phones []string, body string) (delivered, held []string, err error) {
	if len(phones) == 0 {
		return nil, nil, nil
	}
	now := d.clock.Now()
	if d.quiet.Quiet(now) {
		d.log.Printf("notify: quiet hours, holding %d %s message(s)", len(phones), kind)
		return nil, phones, nil
	}

	for i, phone := range phones {
		if err := ctx.Err(); err != nil {
			return delivered, phones[i:], err
		}
		if i > 0 && d.pacing > 0 {
			d.sleep(d.pacing)
		}
		if err := d.sender.Send(ctx, phone, body); err != nil {
			d.log.Printf("notify: send %s to %s: %v", kind, phone, err)
			metrics.IncMessageSent(kind, metrics.ResultError)
			continue
		}
		metrics.IncMessageSent(kind, metrics.ResultSuccess)
		if err := d.store.RecordMessage(ctx, phone, d.clock.Now()); err != nil {
			d.log.Printf("notify: record message for %s: %v", phone, err)
			metrics.IncStoreError("record_message")
		}
		delivered = append(delivered, phone)
	}
	return delivered, nil, nil
}

// SweepOptOuts scans inbound messages since the last sweep, removes
// subscribers who texted a stop keyword, and purges their message history
// from the provider. Returns the removed phone numbers.
func (d *Dispatcher) SweepOptOuts(ctx context.Context) ([]string, error) {
	since := d.lastSweep
	now := d.clock.Now()

	inbound, err := d.sender.ListInbound(ctx, since)
	if err != nil {
		return nil, err
	}
	d.lastSweep = now

	var removed []string
	for _, message := range inbound {
		if !subscribers.IsOptOut(message.Body) {
			continue
		}
		if err := d.store.Remove(ctx, message.From); err != nil {
			if errors.Is(err, subscribers.ErrNotFound) {
				continue
			}
			d.log.Printf("notify: remove %s: %v", message.From, err)
			metrics.IncStoreError("remove_subscriber")
			continue
		}
		if err := d.sender.PurgeHistory(ctx, message.From); err != nil {
			d.log.Printf("notify: purge history for %s: %v", message.From, err)
		}
		removed = append(removed, message.From)
		d.log.Printf("notify: unsubscribed %s", message.From)
	}
	return removed, nil
}
