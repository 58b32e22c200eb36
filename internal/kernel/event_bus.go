package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"
)

// EventBus fans neutral events out to bounded per-subscriber queues.
type EventBus struct {
	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*busSubscription

	defaults     subscriptionDefaults
	onAsyncError func(context.Context, string, error)
}

type subscriptionDefaults struct {
	buffer         int
	workers        int
	handlerTimeout time.Duration
}

// NewEventBus creates an event bus whose subscriptions fall back to the given defaults.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subscriptions: make(map[int64]*busSubscription),
		defaults: subscriptionDefaults{
			buffer:         defaultBuffer,
			workers:        defaultWorkers,
			handlerTimeout: defaultHandlerTimeout,
		},
		onAsyncError: onAsyncError,
	}
}

// Publish validates event and enqueues it on every matching subscription.
//
// Drops and closed subscriptions are reported asynchronously. Only blocking
// enqueue failures are returned to the publisher.
func (b *EventBus) Publish(ctx context.Context, event *highway.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	subs, err := b.matchingSubscriptions(event)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}

	var publishErr error
	for _, sub := range subs {
		err := sub.enqueue(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, highway.ErrEventDropped):
			metrics.BusEvents.WithLabelValues(sub.spec.Name, "dropped").Inc()
			b.reportAsyncError(ctx, sub.spec.Name, err)
		case errors.Is(err, highway.ErrSubscriptionClosed):
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			publishErr = errors.Join(publishErr, err)
		}
	}
	if publishErr != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, publishErr)
	}

	return nil
}

// Subscribe starts a consumer with its own queue and workers.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest highway.InterestSet,
	spec highway.SubscriptionSpec,
	handler highway.EventHandler,
) (highway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}
	if err := validateBackpressure(spec.Backpressure); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}

	subID := atomic.AddInt64(&b.nextID, 1)
	spec = b.withDefaults(spec, subID)
	sub := newBusSubscription(subID, interest, spec, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	b.subscriptions[subID] = sub

	return sub, nil
}

// Close stops every subscription and rejects later publishes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*busSubscription)
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

func (b *EventBus) matchingSubscriptions(event *highway.Event) ([]*busSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	matched := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.interest.Matches(event) {
			matched = append(matched, sub)
		}
	}

	return matched, nil
}

// withDefaults fills omitted fields. A negative handler timeout stays negative and disables the bound.
func (b *EventBus) withDefaults(spec highway.SubscriptionSpec, subID int64) highway.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaults.buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaults.workers
	}
	if spec.HandlerTimeout == 0 {
		spec.HandlerTimeout = b.defaults.handlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = highway.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) unsubscribe(ctx context.Context, subID int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subID]
	delete(b.subscriptions, subID)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

func validateBackpressure(policy highway.BackpressurePolicy) error {
	switch policy {
	case "", highway.BackpressureDropNewest, highway.BackpressureDropOldest, highway.BackpressureBlock:
		return nil
	default:
		return fmt.Errorf("%w: unknown backpressure policy %q", highway.ErrInvalidSubscription, policy)
	}
}

// busSubscription owns one queue and its workers. Workers stop on context
// cancellation; the queue itself is never closed.
type busSubscription struct {
	id       int64
	interest highway.InterestSet
	spec     highway.SubscriptionSpec
	handler  highway.EventHandler
	queue    chan *highway.Event
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	bus      *EventBus
}

func newBusSubscription(
	subID int64,
	interest highway.InterestSet,
	spec highway.SubscriptionSpec,
	handler highway.EventHandler,
	bus *EventBus,
) *busSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:       subID,
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *highway.Event, spec.Buffer),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      bus,
	}
	sub.startWorkers()

	return sub
}

func cloneInterestSet(interest highway.InterestSet) highway.InterestSet {
	cloned := highway.InterestSet{}
	if len(interest.Kinds) > 0 {
		cloned.Kinds = append([]highway.EventKind(nil), interest.Kinds...)
	}
	if len(interest.Sources) > 0 {
		cloned.Sources = append([]string(nil), interest.Sources...)
	}

	return cloned
}

// Name returns the subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close detaches the subscription from its bus and waits for workers.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *busSubscription) enqueue(ctx context.Context, event *highway.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, highway.ErrSubscriptionClosed)
	}

	switch s.spec.Backpressure {
	case highway.BackpressureDropOldest:
		return s.enqueueDropOldest(event)
	case highway.BackpressureBlock:
		return s.enqueueBlock(ctx, event)
	default:
		return s.enqueueDropNewest(event)
	}
}

func (s *busSubscription) enqueueDropNewest(event *highway.Event) error {
	select {
	case s.queue <- event:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, highway.ErrEventDropped)
	}
}

// enqueueDropOldest makes room by discarding the head of the queue once.
func (s *busSubscription) enqueueDropOldest(event *highway.Event) error {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case s.queue <- event:
			return nil
		default:
		}
		select {
		case <-s.queue:
		default:
		}
	}

	return fmt.Errorf("enqueue %s: %w", s.spec.Name, highway.ErrEventDropped)
}

// enqueueBlock waits for space, for the publisher to give up, or for the subscription to close.
func (s *busSubscription) enqueueBlock(ctx context.Context, event *highway.Event) error {
	select {
	case s.queue <- event:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, highway.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
	}
}

func (s *busSubscription) startWorkers() {
	var workers sync.WaitGroup
	for workerID := 0; workerID < s.spec.Workers; workerID++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.runWorker(workerID)
		}()
	}

	go func() {
		workers.Wait()
		close(s.done)
	}()
}

func (s *busSubscription) runWorker(workerID int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handleEvent(workerID, event); err != nil {
				metrics.BusEvents.WithLabelValues(s.spec.Name, "failed").Inc()
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
				continue
			}
			metrics.BusEvents.WithLabelValues(s.spec.Name, "handled").Inc()
		}
	}
}

func (s *busSubscription) handleEvent(workerID int, event *highway.Event) error {
	handlerCtx := s.ctx
	if s.spec.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
		defer cancel()
	}

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, workerID)
	if err := runSafely(scope, func() error {
		return s.handler(handlerCtx, event)
	}); err != nil {
		return fmt.Errorf("handle event %s %s: %w", event.Kind, event.ID, err)
	}

	return nil
}

func (s *busSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

func (s *busSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
