package eventsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"message-highway/pkg/highway"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards            = 16
	defaultShardQueue        = 128
	defaultInvalidateTimeout = 10 * time.Second
	// enqueueTimeout bounds how long the bus worker waits on a full shard.
	enqueueTimeout = 5 * time.Second
)

// Option mutates event sync module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithShards sets how many channel-keyed workers apply events.
func WithShards(shards int) Option {
	return func(module *Module) {
		if shards > 0 {
			module.shardCount = shards
		}
	}
}

// WithShardQueue sets the per-shard queue depth.
func WithShardQueue(size int) Option {
	return func(module *Module) {
		if size > 0 {
			module.queueSize = size
		}
	}
}

// WithInvalidateTimeout bounds one webhook re-listing.
func WithInvalidateTimeout(timeout time.Duration) Option {
	return func(module *Module) {
		if timeout > 0 {
			module.invalidateTimeout = timeout
		}
	}
}

// Module keeps MessageCache and WebhookCache current from platform events.
type Module struct {
	logger            *slog.Logger
	messages          highway.MessageCache
	webhooks          highway.WebhookCache
	shardCount        int
	queueSize         int
	invalidateTimeout time.Duration

	mu      sync.Mutex
	shards  []chan *highway.Event
	stop    context.CancelFunc
	stopped chan struct{}
	workers sync.WaitGroup
}

// New creates an event sync module.
func New(options ...Option) *Module {
	module := &Module{
		logger:            slog.Default(),
		shardCount:        defaultShards,
		queueSize:         defaultShardQueue,
		invalidateTimeout: defaultInvalidateTimeout,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "eventsync"
}

// Spec declares the cache-mutating event kinds.
func (m *Module) Spec() highway.ModuleSpec {
	subscription := highway.NewDefaultSubscriptionSpec("eventsync-writer")
	subscription.Backpressure = highway.BackpressureBlock
	subscription.HandlerTimeout = enqueueTimeout

	return highway.ModuleSpec{
		Handlers: []highway.ModuleHandler{
			{
				Capability: highway.Capability{
					Name:        "eventsync-writer",
					Description: "applies message and webhook events to the shared caches",
					Interest: highway.InterestSet{
						Kinds: []highway.EventKind{
							highway.EventKindMessageCreated,
							highway.EventKindMessageUpdated,
							highway.EventKindMessageDeleted,
							highway.EventKindMessageBulkDeleted,
							highway.EventKindEndpointsChanged,
						},
					},
					RequiredServices: []string{
						highway.ServiceMessageCache,
						highway.ServiceWebhookCache,
					},
				},
				Subscription: subscription,
				Handler:      m.handleEvent,
			},
		},
	}
}

// OnRegister resolves the caches and the optional logger.
func (m *Module) OnRegister(_ context.Context, runtime highway.ModuleRuntime) error {
	logger, err := highway.ResolveAs[*slog.Logger](runtime.Services(), highway.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, highway.ErrServiceNotFound):
	default:
		return fmt.Errorf("eventsync resolve logger: %w", err)
	}

	messages, err := highway.ResolveAs[highway.MessageCache](runtime.Services(), highway.ServiceMessageCache)
	if err != nil {
		return fmt.Errorf("eventsync resolve message cache: %w", err)
	}
	webhooks, err := highway.ResolveAs[highway.WebhookCache](runtime.Services(), highway.ServiceWebhookCache)
	if err != nil {
		return fmt.Errorf("eventsync resolve webhook cache: %w", err)
	}
	m.messages = messages
	m.webhooks = webhooks

	return nil
}

// OnStart launches the shard workers.
func (m *Module) OnStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shards != nil {
		return fmt.Errorf("eventsync start: already started")
	}
	if m.messages == nil || m.webhooks == nil {
		return fmt.Errorf("eventsync start: %w: caches not resolved", highway.ErrMissingPrecondition)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.stopped = make(chan struct{})
	m.shards = make([]chan *highway.Event, m.shardCount)
	for idx := range m.shards {
		queue := make(chan *highway.Event, m.queueSize)
		m.shards[idx] = queue
		m.workers.Add(1)
		go m.runShard(workerCtx, queue)
	}

	m.logger.InfoContext(ctx, "eventsync module started", "module", m.Name(), "shards", m.shardCount)

	return nil
}

// OnShutdown stops the workers. Queued events are discarded.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	stop := m.stop
	stopped := m.stopped
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return nil
	}

	stop()
	close(stopped)

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventsync shutdown: %w", ctx.Err())
	}
}

// handleEvent routes event to the shard owning its channel.
func (m *Module) handleEvent(ctx context.Context, event *highway.Event) error {
	m.mu.Lock()
	shards := m.shards
	stopped := m.stopped
	m.mu.Unlock()

	if shards == nil {
		return m.apply(ctx, event)
	}

	select {
	case <-stopped:
		return fmt.Errorf("eventsync enqueue %s: %w", event.ID, highway.ErrSubscriptionClosed)
	default:
	}

	queue := shards[xxhash.Sum64String(event.ChannelID)%uint64(len(shards))]
	select {
	case queue <- event:
		return nil
	case <-stopped:
		return fmt.Errorf("eventsync enqueue %s: %w", event.ID, highway.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("eventsync enqueue %s: %w", event.ID, ctx.Err())
	}
}

func (m *Module) runShard(ctx context.Context, queue <-chan *highway.Event) {
	defer m.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-queue:
			if err := m.applySafely(ctx, event); err != nil {
				m.logger.ErrorContext(ctx, "eventsync apply failed",
					"event_id", event.ID,
					"kind", event.Kind,
					"channel_id", event.ChannelID,
					"error", err,
				)
			}
		}
	}
}

func (m *Module) applySafely(ctx context.Context, event *highway.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("apply %s panic: %v", event.ID, recovered)
		}
	}()

	return m.apply(ctx, event)
}

// apply performs the cache mutation one event describes.
func (m *Module) apply(ctx context.Context, event *highway.Event) error {
	switch event.Kind {
	case highway.EventKindMessageCreated:
		if event.Message == nil {
			return fmt.Errorf("apply %s: %w: missing message", event.ID, highway.ErrMissingPrecondition)
		}
		m.messages.Add(*event.Message)
	case highway.EventKindMessageUpdated:
		if event.Update == nil {
			return fmt.Errorf("apply %s: %w: missing update", event.ID, highway.ErrMissingPrecondition)
		}
		m.messages.Update(event.ChannelID, event.Update.MessageID, event.Update.Patch)
	case highway.EventKindMessageDeleted, highway.EventKindMessageBulkDeleted:
		if event.Deletion == nil {
			return fmt.Errorf("apply %s: %w: missing deletion", event.ID, highway.ErrMissingPrecondition)
		}
		if len(event.Deletion.MessageIDs) == 1 {
			m.messages.Delete(event.ChannelID, event.Deletion.MessageIDs[0])
		} else {
			m.messages.DeleteBulk(event.ChannelID, event.Deletion.MessageIDs)
		}
	case highway.EventKindEndpointsChanged:
		channelID := event.ChannelID
		if event.Endpoints != nil && event.Endpoints.ChannelID != "" {
			channelID = event.Endpoints.ChannelID
		}
		invalidateCtx, cancel := context.WithTimeout(ctx, m.invalidateTimeout)
		defer cancel()
		if err := m.webhooks.InvalidateIfMissing(invalidateCtx, channelID); err != nil {
			return fmt.Errorf("apply %s: %w", event.ID, err)
		}
	default:
		m.logger.DebugContext(ctx, "eventsync ignored event", "event_id", event.ID, "kind", event.Kind)
	}

	return nil
}
