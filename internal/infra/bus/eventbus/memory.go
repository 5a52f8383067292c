package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
	"github.com/coachpo/dcabot/internal/infra/telemetry"
)

const dropOldestAttempts = 3

// MemoryBus is an in-memory implementation of the event bus.
// Events are immutable, so every subscriber receives the same pointer.
type MemoryBus struct {
	cfg    MemoryConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	eventsDroppedCounter   metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	id     SubscriptionID
	types  map[schema.EventType]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event

	// mu guards ch against close while a delivery is in flight.
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "eventbus").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.eventsDroppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of deliveries dropped or rejected due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the event out to all subscribers whose filter contains its type.
// It returns once every matching subscriber has accepted or refused the event,
// so a single producer's events reach each subscriber in publish order.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	attrs := telemetry.EventAttributes(string(evt.Type), evt.Source, evt.Symbol)
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if _, ok := sub.types[evt.Type]; ok {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	if err := b.dispatch(ctx, targets, evt); err != nil {
		return err
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers for events of the given types and returns a subscription ID and channel.
// The channel closes on Unsubscribe, on Close, or when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if len(types) == 0 {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	filter := make(map[schema.EventType]struct{}, len(types))
	for _, typ := range types {
		if typ == "" {
			return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
		}
		filter[typ] = struct{}{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	subCtx, cancel := context.WithCancel(ctx)
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub := &subscriber{
		id:     id,
		types:  filter,
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *schema.Event, b.cfg.BufferSize),
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	b.adjustSubscribers(1)
	go b.observe(sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if sub := b.remove(id); sub != nil {
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for id, sub := range b.subscribers {
			subs = append(subs, sub)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			b.adjustSubscribers(-1)
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
		return
	}
	if stored := b.remove(sub.id); stored != nil {
		stored.close()
	}
}

func (b *MemoryBus) remove(id SubscriptionID) *subscriber {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.adjustSubscribers(-1)
	return sub
}

func (b *MemoryBus) adjustSubscribers(delta int64) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), delta,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt *schema.Event) error {
	if len(subs) == 1 {
		return b.deliver(ctx, subs[0], evt)
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() error {
			return b.deliver(ctx, sub, evt)
		})
	}
	return p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return nil
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	switch b.cfg.Overflow {
	case OverflowReject:
		b.recordDrop(ctx, evt, "rejected")
		return b.bufferFull(sub, evt)
	case OverflowBlock:
		timer := time.NewTimer(b.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- evt:
			return nil
		case <-sub.ctx.Done():
			return nil
		case <-b.ctx.Done():
			return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
		case <-ctx.Done():
			return fmt.Errorf("deliver context: %w", ctx.Err())
		case <-timer.C:
			b.recordDrop(ctx, evt, "block_timeout")
			return b.bufferFull(sub, evt)
		}
	default:
		for range dropOldestAttempts {
			select {
			case dropped := <-sub.ch:
				b.recordDrop(ctx, dropped, "drop_oldest")
				b.logger.Warn().
					Str("subscription", string(sub.id)).
					Str("event_type", string(dropped.Type)).
					Str("symbol", dropped.Symbol).
					Msg("subscriber buffer full; dropped oldest event")
			default:
			}
			select {
			case sub.ch <- evt:
				return nil
			default:
			}
		}
		b.recordDrop(ctx, evt, "drop_oldest_contended")
		return b.bufferFull(sub, evt)
	}
}

func (b *MemoryBus) bufferFull(sub *subscriber, evt *schema.Event) error {
	return errs.New("eventbus/publish", errs.CodeUnavailable,
		errs.WithMessage("subscriber buffer full"),
		errs.WithField("subscription", string(sub.id)),
		errs.WithField("event_type", string(evt.Type)))
}

func (b *MemoryBus) recordDrop(ctx context.Context, evt *schema.Event, reason string) {
	if b.eventsDroppedCounter == nil || evt == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(string(evt.Type), evt.Source, evt.Symbol), telemetry.AttrReason.String(reason))
	b.eventsDroppedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
