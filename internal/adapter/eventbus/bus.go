// Package eventbus routes status change events to in-process subscribers
// keyed by application owner.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

const meterName = "github.com/cterryc/pyme-sub001/internal/adapter/eventbus"

// DefaultBufferSize is the per-subscription buffer used when none is given.
const DefaultBufferSize = 16

// ErrClosed is returned by Subscribe once the bus has been closed.
var ErrClosed = errors.New("event bus closed")

// Compile-time check: Bus implements domain.EventPublisher.
var _ domain.EventPublisher = (*Bus)(nil)

// Bus is an owner-keyed publish/subscribe router. Delivery is best effort:
// a subscriber that falls behind loses its oldest buffered events instead of
// slowing the publisher. All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	bufferSize int
	logger     *zap.Logger
	metrics    busMetrics
}

type busMetrics struct {
	published metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	active    metric.Int64UpDownCounter
}

// New creates a bus whose subscriptions buffer up to bufferSize events.
func New(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger.Named("eventbus"),
	}
	b.metrics = newBusMetrics(b.logger)
	return b
}

func newBusMetrics(logger *zap.Logger) busMetrics {
	meter := otel.Meter(meterName)
	var m busMetrics
	var err error
	if m.published, err = meter.Int64Counter("pyme.eventbus.published",
		metric.WithDescription("Events published to the bus")); err != nil {
		logger.Warn("creating published counter", zap.Error(err))
	}
	if m.delivered, err = meter.Int64Counter("pyme.eventbus.delivered",
		metric.WithDescription("Events enqueued to a subscription")); err != nil {
		logger.Warn("creating delivered counter", zap.Error(err))
	}
	if m.dropped, err = meter.Int64Counter("pyme.eventbus.dropped",
		metric.WithDescription("Buffered events discarded for slow subscribers")); err != nil {
		logger.Warn("creating dropped counter", zap.Error(err))
	}
	if m.active, err = meter.Int64UpDownCounter("pyme.eventbus.subscriptions",
		metric.WithDescription("Live subscriptions")); err != nil {
		logger.Warn("creating subscriptions gauge", zap.Error(err))
	}
	return m
}

// Subscription is one live registration for an owner's events.
type Subscription struct {
	bus   *Bus
	owner string
	ch    chan domain.StatusChangeEvent

	// sendMu makes drop-oldest plus enqueue atomic among publishers.
	sendMu sync.Mutex
}

// Events returns the channel events are delivered on. It is closed when
// the subscription is released.
func (s *Subscription) Events() <-chan domain.StatusChangeEvent {
	return s.ch
}

// OwnerID returns the owner this subscription receives events for.
func (s *Subscription) OwnerID() string {
	return s.owner
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

// deliver enqueues ev, discarding the oldest buffered events while the
// buffer is full. It reports how many events were discarded.
func (s *Subscription) deliver(ev domain.StatusChangeEvent) (dropped int) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped++
		default:
		}
	}
}

// Subscribe registers interest in events for ownerID.
func (b *Bus) Subscribe(ownerID string) (*Subscription, error) {
	if ownerID == "" {
		return nil, domain.ErrInvalidIdentity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		bus:   b,
		owner: ownerID,
		ch:    make(chan domain.StatusChangeEvent, b.bufferSize),
	}
	set, ok := b.subs[ownerID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[ownerID] = set
	}
	set[sub] = struct{}{}
	b.addActive(1)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Unknown or already released
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.bus != b {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release(sub)
}

// release must be called with b.mu held for writing. Releasing a
// subscription that is no longer registered is a no-op.
func (b *Bus) release(sub *Subscription) {
	set, ok := b.subs[sub.owner]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.owner)
	}
	close(sub.ch)
	b.addActive(-1)
}

// Publish enqueues event on every subscription of event.OwnerID. It never
// blocks on subscribers and never fails; having no subscribers is normal.
func (b *Bus) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.metrics.published != nil {
		b.metrics.published.Add(ctx, 1)
	}
	if b.closed {
		return nil
	}

	for sub := range b.subs[event.OwnerID] {
		dropped := sub.deliver(event)
		if dropped > 0 {
			b.logger.Debug("dropped events for slow subscriber",
				zap.String("owner_id", event.OwnerID),
				zap.Int("dropped", dropped),
			)
			if b.metrics.dropped != nil {
				b.metrics.dropped.Add(ctx, int64(dropped))
			}
		}
		if b.metrics.delivered != nil {
			b.metrics.delivered.Add(ctx, 1)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for ownerID.
func (b *Bus) SubscriberCount(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ownerID])
}

// Close releases every subscription and rejects new ones. Publishing to a
// closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			b.release(sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

func (b *Bus) addActive(n int64) {
	if b.metrics.active != nil {
		b.metrics.active.Add(context.Background(), n)
	}
}
