package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

// UpdateHandler consumes one gateway update.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Discord updates into the driver.
type UpdateSource interface {
	// Consume runs the update loop until context cancellation or fatal error.
	Consume(ctx context.Context, handler UpdateHandler) error
}

// ChannelSource reads updates from a channel.
type ChannelSource struct {
	Updates <-chan Update
}

// Consume forwards channel updates until closure or cancellation.
func (s ChannelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("channel source: nil handler")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-s.Updates:
			if !ok {
				return nil
			}
			if err := handler(ctx, update); err != nil {
				return fmt.Errorf("channel source handle update %s: %w", update.Type, err)
			}
		}
	}
}

// ReadyHook runs once per gateway session after the READY dispatch.
type ReadyHook func(ctx context.Context, applicationID string) error

// gatewaySession is the slice of *discordgo.Session the source drives.
type gatewaySession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

// SourceOption mutates gateway source configuration.
type SourceOption func(*GatewaySource)

// WithReadyHook registers a callback invoked after each READY dispatch.
func WithReadyHook(hook ReadyHook) SourceOption {
	return func(s *GatewaySource) {
		s.onReady = hook
	}
}

// WithSourceLogger configures source diagnostics.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *GatewaySource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// GatewaySource turns discordgo dispatches into Updates in gateway order.
//
// The session must run with SyncEvents enabled so handlers observe dispatches
// in the order the gateway delivered them.
type GatewaySource struct {
	session gatewaySession
	updates chan queued
	logger  *slog.Logger
	onReady ReadyHook

	applicationID atomic.Value
	stop          chan struct{}
	stopOnce      sync.Once
}

// queued is one gateway dispatch waiting for the consume loop.
type queued struct {
	update Update
	ready  *discordgo.Ready
}

// NewGatewaySource creates a source over session with a bounded update queue.
func NewGatewaySource(session gatewaySession, buffer int, options ...SourceOption) (*GatewaySource, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord gateway source: nil session")
	}
	if buffer <= 0 {
		return nil, fmt.Errorf("new discord gateway source: buffer must be > 0")
	}

	source := &GatewaySource{
		session: session,
		updates: make(chan queued, buffer),
		logger:  slog.Default(),
		stop:    make(chan struct{}),
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// ApplicationID returns the bot application id learned from READY, or "".
func (s *GatewaySource) ApplicationID() string {
	id, _ := s.applicationID.Load().(string)
	return id
}

// Consume opens the gateway and forwards updates until ctx ends.
//
// Handler failures are logged and do not stop the loop; one malformed dispatch
// must not take the bot offline.
func (s *GatewaySource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("discord gateway source: nil handler")
	}

	removers := []func(){
		s.session.AddHandler(s.onReadyDispatch),
		s.session.AddHandler(s.onMessageCreate),
		s.session.AddHandler(s.onMessageUpdate),
		s.session.AddHandler(s.onMessageDelete),
		s.session.AddHandler(s.onMessageDeleteBulk),
		s.session.AddHandler(s.onWebhooksUpdate),
		s.session.AddHandler(s.onInteractionCreate),
	}
	defer func() {
		s.stopOnce.Do(func() { close(s.stop) })
		for _, remove := range removers {
			remove()
		}
	}()

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	defer func() {
		if err := s.session.Close(); err != nil {
			s.logger.Warn("close discord gateway", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.updates:
			if item.ready != nil {
				s.handleReady(ctx, item.ready)
				continue
			}
			if err := handler(ctx, item.update); err != nil {
				s.logger.ErrorContext(ctx, "discord update failed",
					"update_type", item.update.Type,
					"channel_id", item.update.ChannelID,
					"error", err,
				)
			}
		}
	}
}

func (s *GatewaySource) handleReady(ctx context.Context, ready *discordgo.Ready) {
	applicationID := ""
	if ready.Application != nil {
		applicationID = ready.Application.ID
	}
	if applicationID == "" && ready.User != nil {
		applicationID = ready.User.ID
	}
	if applicationID == "" {
		s.logger.ErrorContext(ctx, "discord ready without application identity")
		return
	}
	s.applicationID.Store(applicationID)
	s.logger.InfoContext(ctx, "discord gateway ready", "application_id", applicationID, "guilds", len(ready.Guilds))

	if s.onReady == nil {
		return
	}
	if err := s.onReady(ctx, applicationID); err != nil {
		s.logger.ErrorContext(ctx, "discord ready hook failed", "error", err)
	}
}

// enqueue blocks the gateway goroutine until the loop accepts the item, which
// keeps dispatch order intact under load.
func (s *GatewaySource) enqueue(item queued) {
	select {
	case s.updates <- item:
	case <-s.stop:
	}
}

func (s *GatewaySource) onReadyDispatch(_ *discordgo.Session, ready *discordgo.Ready) {
	if ready == nil {
		return
	}
	s.enqueue(queued{ready: ready})
}

func (s *GatewaySource) onMessageCreate(_ *discordgo.Session, dispatch *discordgo.MessageCreate) {
	if dispatch == nil || dispatch.Message == nil {
		return
	}
	s.enqueue(queued{update: messageUpdate(UpdateTypeMessageCreate, dispatch.Message)})
}

func (s *GatewaySource) onMessageUpdate(_ *discordgo.Session, dispatch *discordgo.MessageUpdate) {
	if dispatch == nil || dispatch.Message == nil {
		return
	}
	s.enqueue(queued{update: messageUpdate(UpdateTypeMessageUpdate, dispatch.Message)})
}

func (s *GatewaySource) onMessageDelete(_ *discordgo.Session, dispatch *discordgo.MessageDelete) {
	if dispatch == nil || dispatch.Message == nil {
		return
	}
	s.enqueue(queued{update: Update{
		Type:       UpdateTypeMessageDelete,
		OccurredAt: time.Now().UTC(),
		GuildID:    dispatch.GuildID,
		ChannelID:  dispatch.ChannelID,
		DeletedIDs: []string{dispatch.ID},
	}})
}

func (s *GatewaySource) onMessageDeleteBulk(_ *discordgo.Session, dispatch *discordgo.MessageDeleteBulk) {
	if dispatch == nil {
		return
	}
	s.enqueue(queued{update: Update{
		Type:       UpdateTypeMessageDeleteBulk,
		OccurredAt: time.Now().UTC(),
		GuildID:    dispatch.GuildID,
		ChannelID:  dispatch.ChannelID,
		DeletedIDs: append([]string(nil), dispatch.Messages...),
	}})
}

func (s *GatewaySource) onWebhooksUpdate(_ *discordgo.Session, dispatch *discordgo.WebhooksUpdate) {
	if dispatch == nil {
		return
	}
	s.enqueue(queued{update: Update{
		Type:       UpdateTypeWebhooksUpdate,
		OccurredAt: time.Now().UTC(),
		GuildID:    dispatch.GuildID,
		ChannelID:  dispatch.ChannelID,
	}})
}

func (s *GatewaySource) onInteractionCreate(_ *discordgo.Session, dispatch *discordgo.InteractionCreate) {
	if dispatch == nil || dispatch.Interaction == nil {
		return
	}
	s.enqueue(queued{update: Update{
		Type:        UpdateTypeInteraction,
		OccurredAt:  time.Now().UTC(),
		GuildID:     dispatch.GuildID,
		ChannelID:   dispatch.ChannelID,
		Interaction: dispatch.Interaction,
	}})
}

func messageUpdate(updateType UpdateType, message *discordgo.Message) Update {
	occurredAt := message.Timestamp
	if updateType == UpdateTypeMessageUpdate && message.EditedTimestamp != nil {
		occurredAt = *message.EditedTimestamp
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Update{
		Type:       updateType,
		OccurredAt: occurredAt,
		GuildID:    message.GuildID,
		ChannelID:  message.ChannelID,
		Message:    message,
	}
}
