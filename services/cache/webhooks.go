package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// WebhookProvisioner lists and creates impersonation endpoints.
type WebhookProvisioner interface {
	ListWebhooks(ctx context.Context, channelID string) ([]highway.Webhook, error)
	CreateWebhook(ctx context.Context, channelID string, name string) (highway.Webhook, error)
}

// WebhookOption mutates webhook cache configuration.
type WebhookOption func(*webhookConfig)

type webhookConfig struct {
	ownerID func() string
	logger  *slog.Logger
	shards  int
}

// WithOwnerApplication restricts reuse to endpoints created by the given application.
// An empty id returned by ownerID disables the restriction.
func WithOwnerApplication(ownerID func() string) WebhookOption {
	return func(cfg *webhookConfig) {
		cfg.ownerID = ownerID
	}
}

// WithWebhookLogger sets the logger used for provisioning diagnostics.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(cfg *webhookConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithWebhookShards sets how many independently locked shards channel keys hash into.
func WithWebhookShards(shards int) WebhookOption {
	return func(cfg *webhookConfig) {
		if shards > 0 {
			cfg.shards = shards
		}
	}
}

// WebhookCache resolves one reusable impersonation endpoint per channel.
//
// Concurrent misses for the same channel share one provisioning attempt.
// Failed attempts are not cached.
type WebhookCache struct {
	provisioner WebhookProvisioner
	ownerID     func() string
	logger      *slog.Logger
	shards      []*webhookShard

	invalidate    singleflight.Group
	// invalidations orders InvalidateIfMissing calls against shared listings.
	invalidations atomic.Uint64
}

type webhookShard struct {
	mu    sync.Mutex
	slots map[string]*webhookSlot
}

// webhookSlot is claimed by the first caller and populated once ready closes.
type webhookSlot struct {
	ready    chan struct{}
	identity highway.WebhookIdentity
	err      error
}

func (s *webhookSlot) settled() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// NewWebhookCache creates an empty webhook cache backed by provisioner.
func NewWebhookCache(provisioner WebhookProvisioner, options ...WebhookOption) (*WebhookCache, error) {
	if provisioner == nil {
		return nil, fmt.Errorf("new webhook cache: nil provisioner")
	}

	cfg := webhookConfig{
		ownerID: func() string { return "" },
		logger:  slog.Default(),
		shards:  defaultShardCount,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.ownerID == nil {
		cfg.ownerID = func() string { return "" }
	}

	shards := make([]*webhookShard, cfg.shards)
	for idx := range shards {
		shards[idx] = &webhookShard{slots: make(map[string]*webhookSlot)}
	}

	return &WebhookCache{
		provisioner: provisioner,
		ownerID:     cfg.ownerID,
		logger:      cfg.logger,
		shards:      shards,
	}, nil
}

// GetOrCreate returns the cached identity for channelID, provisioning one on a miss.
func (c *WebhookCache) GetOrCreate(ctx context.Context, channelID string) (highway.WebhookIdentity, error) {
	if channelID == "" {
		return highway.WebhookIdentity{}, fmt.Errorf("get webhook: missing channel id")
	}

	shard := c.shardFor(channelID)
	shard.mu.Lock()
	slot, exists := shard.slots[channelID]
	if !exists {
		slot = &webhookSlot{ready: make(chan struct{})}
		shard.slots[channelID] = slot
	}
	shard.mu.Unlock()

	if exists {
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return highway.WebhookIdentity{}, fmt.Errorf("get webhook %s: %w", channelID, ctx.Err())
		}
		if slot.err != nil {
			return highway.WebhookIdentity{}, fmt.Errorf("get webhook %s: %w", channelID, slot.err)
		}
		return slot.identity, nil
	}

	// Waiters may abandon the slot, but the claimant always settles it.
	identity, err := c.provision(ctx, channelID)
	slot.identity = identity
	slot.err = err
	close(slot.ready)

	if err != nil {
		c.dropSlot(shard, channelID, slot)
		return highway.WebhookIdentity{}, fmt.Errorf("get webhook %s: %w", channelID, err)
	}

	return identity, nil
}

// InvalidateIfMissing drops the cached identity when the platform no longer lists it.
//
// Concurrent calls for one channel share a single listing, but a call never
// settles for a listing that started before it did.
func (c *WebhookCache) InvalidateIfMissing(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}

	ticket := c.invalidations.Add(1)
	for {
		started, err, _ := c.invalidate.Do(channelID, func() (any, error) {
			started := c.invalidations.Load()
			return started, c.dropIfUnlisted(ctx, channelID)
		})
		if err != nil {
			return err
		}
		if started.(uint64) >= ticket {
			return nil
		}
	}
}

func (c *WebhookCache) dropIfUnlisted(ctx context.Context, channelID string) error {
	shard := c.shardFor(channelID)
	shard.mu.Lock()
	slot, exists := shard.slots[channelID]
	shard.mu.Unlock()
	if !exists || !slot.settled() || slot.err != nil {
		return nil
	}

	webhooks, err := c.provisioner.ListWebhooks(ctx, channelID)
	if err != nil {
		return fmt.Errorf("invalidate webhook %s: %w", channelID, err)
	}
	for _, webhook := range webhooks {
		if webhook.ID == slot.identity.ID {
			return nil
		}
	}

	if c.dropSlot(shard, channelID, slot) {
		metrics.WebhookInvalidations.Inc()
		c.logger.Info("webhook invalidated",
			"channel_id", channelID,
			"webhook_id", slot.identity.ID,
		)
	}

	return nil
}

func (c *WebhookCache) provision(ctx context.Context, channelID string) (highway.WebhookIdentity, error) {
	webhooks, err := c.provisioner.ListWebhooks(ctx, channelID)
	if err != nil {
		metrics.WebhookProvisions.WithLabelValues("failed").Inc()
		return highway.WebhookIdentity{}, fmt.Errorf("list webhooks: %w", err)
	}

	owner := c.ownerID()
	for _, webhook := range webhooks {
		if !webhook.Incoming || webhook.Token == "" {
			continue
		}
		if owner != "" && webhook.ApplicationID != owner {
			continue
		}

		metrics.WebhookProvisions.WithLabelValues("reused").Inc()
		c.logger.Debug("webhook reused", "channel_id", channelID, "webhook_id", webhook.ID)
		return identityOf(channelID, webhook), nil
	}

	created, err := c.provisioner.CreateWebhook(ctx, channelID, highway.WebhookName)
	if err != nil {
		metrics.WebhookProvisions.WithLabelValues("failed").Inc()
		return highway.WebhookIdentity{}, fmt.Errorf("create webhook: %w", err)
	}
	if created.ID == "" || created.Token == "" {
		metrics.WebhookProvisions.WithLabelValues("failed").Inc()
		return highway.WebhookIdentity{}, fmt.Errorf("create webhook: %w: missing id or token", highway.ErrMissingPrecondition)
	}

	metrics.WebhookProvisions.WithLabelValues("created").Inc()
	c.logger.Info("webhook created", "channel_id", channelID, "webhook_id", created.ID)

	return identityOf(channelID, created), nil
}

// dropSlot removes slot only if it is still the one stored for channelID.
func (c *WebhookCache) dropSlot(shard *webhookShard, channelID string, slot *webhookSlot) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.slots[channelID] != slot {
		return false
	}
	delete(shard.slots, channelID)

	return true
}

func (c *WebhookCache) shardFor(channelID string) *webhookShard {
	return c.shards[xxhash.Sum64String(channelID)%uint64(len(c.shards))]
}

func identityOf(channelID string, webhook highway.Webhook) highway.WebhookIdentity {
	return highway.WebhookIdentity{
		ID:        webhook.ID,
		Token:     webhook.Token,
		ChannelID: channelID,
	}
}

var _ highway.WebhookCache = (*WebhookCache)(nil)
var _ highway.MessageCache = (*MessageCache)(nil)
