// Package cache implements the volatile per-channel caches shared by modules.
package cache

import (
	"sync"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultWindowCapacity = 20
	defaultShardCount     = 32
)

// MessageOption mutates message cache configuration.
type MessageOption func(*messageConfig)

type messageConfig struct {
	capacity int
	shards   int
}

// WithWindowCapacity sets how many messages each channel window retains.
func WithWindowCapacity(capacity int) MessageOption {
	return func(cfg *messageConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithMessageShards sets how many independently locked shards channel keys hash into.
func WithMessageShards(shards int) MessageOption {
	return func(cfg *messageConfig) {
		if shards > 0 {
			cfg.shards = shards
		}
	}
}

// MessageCache stores bounded FIFO windows keyed by channel.
//
// Channels hash into shards with their own lock, so unrelated channels never
// contend on one mutex.
type MessageCache struct {
	capacity int
	shards   []*messageShard
}

type messageShard struct {
	mu      sync.Mutex
	windows map[string]*channelWindow
}

// NewMessageCache creates an empty message cache.
func NewMessageCache(options ...MessageOption) *MessageCache {
	cfg := messageConfig{
		capacity: defaultWindowCapacity,
		shards:   defaultShardCount,
	}
	for _, option := range options {
		option(&cfg)
	}

	shards := make([]*messageShard, cfg.shards)
	for idx := range shards {
		shards[idx] = &messageShard{windows: make(map[string]*channelWindow)}
	}

	return &MessageCache{
		capacity: cfg.capacity,
		shards:   shards,
	}
}

// Add appends message to its channel window. A duplicate id is ignored.
func (c *MessageCache) Add(message highway.CachedMessage) {
	if message.ID == "" || message.ChannelID == "" {
		return
	}

	shard := c.shardFor(message.ChannelID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	window, exists := shard.windows[message.ChannelID]
	if !exists {
		window = newChannelWindow(c.capacity)
		shard.windows[message.ChannelID] = window
	}
	if window.indexOf(message.ID) >= 0 {
		return
	}
	if window.push(message.Clone()) {
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheEvents.WithLabelValues("add").Inc()
}

// Update merges the present fields of patch into a cached message. Misses are ignored.
func (c *MessageCache) Update(channelID string, messageID string, patch highway.ContentPatch) {
	shard := c.shardFor(channelID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	window, exists := shard.windows[channelID]
	if !exists {
		return
	}
	idx := window.indexOf(messageID)
	if idx < 0 {
		return
	}
	entry := window.at(idx)
	entry.Content = patch.Apply(entry.Content)
	metrics.CacheEvents.WithLabelValues("update").Inc()
}

// Delete removes one message. Misses are ignored.
func (c *MessageCache) Delete(channelID string, messageID string) {
	c.DeleteBulk(channelID, []string{messageID})
}

// DeleteBulk removes every listed message still present in the window.
func (c *MessageCache) DeleteBulk(channelID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}

	remove := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		remove[id] = struct{}{}
	}

	shard := c.shardFor(channelID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	window, exists := shard.windows[channelID]
	if !exists {
		return
	}
	if removed := window.removeAll(remove); removed > 0 {
		kind := "delete"
		if len(messageIDs) > 1 {
			kind = "bulk_delete"
		}
		metrics.CacheEvents.WithLabelValues(kind).Inc()
	}
}

// Query returns up to limit newest-first copies. found reports whether the
// channel ever had a window.
func (c *MessageCache) Query(channelID string, limit int) ([]highway.CachedMessage, bool) {
	shard := c.shardFor(channelID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	window, exists := shard.windows[channelID]
	if !exists {
		return nil, false
	}
	if limit <= 0 || limit > window.size {
		limit = window.size
	}

	result := make([]highway.CachedMessage, 0, limit)
	for idx := window.size - 1; idx >= window.size-limit; idx-- {
		result = append(result, window.at(idx).Clone())
	}

	return result, true
}

func (c *MessageCache) shardFor(channelID string) *messageShard {
	return c.shards[xxhash.Sum64String(channelID)%uint64(len(c.shards))]
}

// channelWindow is a fixed-capacity ring ordered by arrival.
type channelWindow struct {
	slots []highway.CachedMessage
	head  int
	size  int
}

func newChannelWindow(capacity int) *channelWindow {
	return &channelWindow{slots: make([]highway.CachedMessage, capacity)}
}

// at returns the idx-th oldest entry.
func (w *channelWindow) at(idx int) *highway.CachedMessage {
	return &w.slots[(w.head+idx)%len(w.slots)]
}

func (w *channelWindow) indexOf(messageID string) int {
	for idx := 0; idx < w.size; idx++ {
		if w.at(idx).ID == messageID {
			return idx
		}
	}

	return -1
}

// push appends at the tail and reports whether the head was evicted.
func (w *channelWindow) push(message highway.CachedMessage) bool {
	if w.size < len(w.slots) {
		*w.at(w.size) = message
		w.size++
		return false
	}

	w.slots[w.head] = message
	w.head = (w.head + 1) % len(w.slots)

	return true
}

// removeAll compacts the ring in place, preserving order of survivors.
func (w *channelWindow) removeAll(ids map[string]struct{}) int {
	write := 0
	for read := 0; read < w.size; read++ {
		entry := *w.at(read)
		if _, drop := ids[entry.ID]; drop {
			continue
		}
		*w.at(write) = entry
		write++
	}

	removed := w.size - write
	for idx := write; idx < w.size; idx++ {
		*w.at(idx) = highway.CachedMessage{}
	}
	w.size = write

	return removed
}
