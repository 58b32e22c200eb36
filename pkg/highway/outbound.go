package highway

import (
	"context"
	"fmt"
	"strings"
)

// ServiceDispatcher is the canonical service registry key for outbound platform calls.
const ServiceDispatcher = "highway.dispatcher"

// MaxMessageLength is the longest text a replica may carry.
const MaxMessageLength = 2000

// Dispatcher sends neutral outbound operations to the platform.
//
// Implementations enforce platform constraints and return *OutboundError for
// upstream failures.
type Dispatcher interface {
	// SendMessage posts a message, optionally with clickable actions.
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
	// EditMessage replaces text and actions of an existing message.
	EditMessage(ctx context.Context, request EditMessageRequest) error
	// DeleteMessage removes one message.
	DeleteMessage(ctx context.Context, request DeleteMessageRequest) error
	// BulkDeleteMessages removes several messages in one platform call.
	BulkDeleteMessages(ctx context.Context, request BulkDeleteRequest) error
	// FetchMessagesAfter returns up to limit messages posted after a message, oldest first.
	FetchMessagesAfter(ctx context.Context, request FetchMessagesRequest) ([]CachedMessage, error)
	// ListWebhooks lists impersonation endpoints of a channel.
	ListWebhooks(ctx context.Context, channelID string) ([]Webhook, error)
	// CreateWebhook provisions a new impersonation endpoint.
	CreateWebhook(ctx context.Context, channelID string, name string) (Webhook, error)
	// ExecuteWebhook posts a replica through an impersonation endpoint.
	ExecuteWebhook(ctx context.Context, request ExecuteWebhookRequest) error
	// AcknowledgeInteraction defers the reply to an interaction.
	AcknowledgeInteraction(ctx context.Context, ref InteractionRef, mode AckMode) error
	// EditInteractionReply replaces the deferred reply of an interaction.
	EditInteractionReply(ctx context.Context, ref InteractionRef, reply Reply) (*OutboundMessage, error)
}

// OutboundMessage is the identity of a message the engine posted.
type OutboundMessage struct {
	ID        string
	ChannelID string
}

// ActionStyle selects how a clickable action renders.
type ActionStyle string

const (
	ActionStylePrimary   ActionStyle = "primary"
	ActionStyleSecondary ActionStyle = "secondary"
	ActionStyleSuccess   ActionStyle = "success"
	ActionStyleDanger    ActionStyle = "danger"
)

// Action is one labeled button attached to a message.
type Action struct {
	ID    string
	Label string
	Style ActionStyle
}

// SendMessageRequest posts a plain message.
type SendMessageRequest struct {
	ChannelID string
	Text      string
	Actions   []Action
	// MentionUserIDs lists the users the text may ping. Every other mention is inert.
	MentionUserIDs []string
}

// Validate checks required fields.
func (r SendMessageRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidOutboundRequest)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidOutboundRequest)
	}

	return validateActions(r.Actions)
}

// EditMessageRequest replaces text and actions. Empty Actions removes all actions.
type EditMessageRequest struct {
	ChannelID      string
	MessageID      string
	Text           string
	Actions        []Action
	MentionUserIDs []string
}

// Validate checks required fields.
func (r EditMessageRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidOutboundRequest)
	}
	if r.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidOutboundRequest)
	}

	return validateActions(r.Actions)
}

// DeleteMessageRequest removes one message.
type DeleteMessageRequest struct {
	ChannelID string
	MessageID string
}

// Validate checks required fields.
func (r DeleteMessageRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidOutboundRequest)
	}
	if r.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidOutboundRequest)
	}

	return nil
}

// BulkDeleteRequest removes several messages at once.
type BulkDeleteRequest struct {
	ChannelID  string
	MessageIDs []string
}

// Validate checks required fields. The platform requires at least two ids.
func (r BulkDeleteRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidOutboundRequest)
	}
	if len(r.MessageIDs) < 2 {
		return fmt.Errorf("%w: bulk delete requires at least two ids", ErrInvalidOutboundRequest)
	}

	return nil
}

// FetchMessagesRequest reads channel history after a message.
type FetchMessagesRequest struct {
	ChannelID string
	AfterID   string
	Limit     int
}

// Validate checks required fields.
func (r FetchMessagesRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidOutboundRequest)
	}
	if r.AfterID == "" {
		return fmt.Errorf("%w: missing anchor message id", ErrInvalidOutboundRequest)
	}
	if r.Limit <= 0 || r.Limit > 100 {
		return fmt.Errorf("%w: limit must be in [1,100]", ErrInvalidOutboundRequest)
	}

	return nil
}

// ExecuteWebhookRequest posts a replica under another user's display identity.
type ExecuteWebhookRequest struct {
	Webhook WebhookIdentity
	// ThreadID routes the replica into a thread of the webhook's channel.
	ThreadID    string
	Text        string
	Embeds      []Embed
	Attachments []Attachment
	Username    string
	// AvatarURL overrides the webhook avatar. Empty keeps the platform default.
	AvatarURL string
}

// Validate checks required fields.
func (r ExecuteWebhookRequest) Validate() error {
	if r.Webhook.ID == "" || r.Webhook.Token == "" {
		return fmt.Errorf("%w: missing webhook identity", ErrInvalidOutboundRequest)
	}
	if r.Text == "" && len(r.Embeds) == 0 && len(r.Attachments) == 0 {
		return fmt.Errorf("%w: empty replica", ErrInvalidOutboundRequest)
	}
	if len([]rune(r.Text)) > MaxMessageLength {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidOutboundRequest, MaxMessageLength)
	}

	return nil
}

// AckMode selects how an interaction is deferred.
type AckMode string

const (
	// AckModeEphemeralReply defers with a private "thinking" reply.
	AckModeEphemeralReply AckMode = "ephemeral_reply"
	// AckModeUpdate defers a component click without a new message.
	AckModeUpdate AckMode = "update"
)

// ChannelPicker asks the user for exactly one destination channel.
type ChannelPicker struct {
	CustomID    string
	Placeholder string
}

// Reply is the content of an interaction reply.
type Reply struct {
	Text          string
	ChannelPicker *ChannelPicker
}

func validateActions(actions []Action) error {
	seen := make(map[string]struct{}, len(actions))
	for idx, action := range actions {
		if action.ID == "" {
			return fmt.Errorf("%w: action %d missing id", ErrInvalidOutboundRequest, idx)
		}
		if action.Label == "" {
			return fmt.Errorf("%w: action %s missing label", ErrInvalidOutboundRequest, action.ID)
		}
		if _, exists := seen[action.ID]; exists {
			return fmt.Errorf("%w: duplicate action id %s", ErrInvalidOutboundRequest, action.ID)
		}
		seen[action.ID] = struct{}{}
	}

	return nil
}
