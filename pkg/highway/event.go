package highway

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when a new message is posted.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageUpdated is emitted when message text or embeds change.
	EventKindMessageUpdated EventKind = "message.updated"
	// EventKindMessageDeleted is emitted when one message is deleted.
	EventKindMessageDeleted EventKind = "message.deleted"
	// EventKindMessageBulkDeleted is emitted when several messages are deleted at once.
	EventKindMessageBulkDeleted EventKind = "message.bulk_deleted"
	// EventKindEndpointsChanged is emitted when the webhook set of a channel changes.
	EventKindEndpointsChanged EventKind = "endpoints.changed"
	// EventKindInteractionCommand is emitted when a user invokes an application command.
	EventKindInteractionCommand EventKind = "interaction.command"
	// EventKindInteractionComponent is emitted when a user clicks a button or picks from a menu.
	EventKindInteractionComponent EventKind = "interaction.component"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformDiscord is Discord.
	PlatformDiscord Platform = "discord"
)

// Event is the neutral protocol envelope that drivers publish and modules consume.
//
// Message, Update, Deletion, Endpoints and Interaction are payload branches
// selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Platform identifies the upstream platform that produced the event.
	Platform Platform
	// Source is the configured driver instance that produced the event.
	Source string
	// GuildID scopes the event to one server when known.
	GuildID string
	// ChannelID identifies where the event happened.
	ChannelID string
	// Actor identifies who initiated the event when available.
	Actor Actor
	// Message carries the snapshot for message.created.
	Message *CachedMessage
	// Update carries the changed content for message.updated.
	Update *MessageUpdate
	// Deletion carries removed ids for message.deleted and message.bulk_deleted.
	Deletion *Deletion
	// Endpoints carries the channel whose webhooks changed.
	Endpoints *EndpointsChange
	// Interaction carries command and component payloads.
	Interaction *Interaction
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Actor identifies the user that initiated an event.
type Actor struct {
	ID string
	// Username is the unique platform handle.
	Username string
	// GlobalName is the account-wide display name when set.
	GlobalName string
	// Nick is the per-server nickname when set.
	Nick string
	// AvatarURL is the account avatar, empty when the account uses the platform default.
	AvatarURL string
	// MemberAvatarURL is the per-server avatar override when set.
	MemberAvatarURL string
	IsBot           bool
}

// MessageUpdate carries an in-place edit of a cached message. Only the
// fields the platform sent are set in Patch.
type MessageUpdate struct {
	MessageID string
	Patch     ContentPatch
}

// Deletion carries removed message ids. Single deletes carry one id.
type Deletion struct {
	MessageIDs []string
}

// EndpointsChange reports that the webhook set of a channel changed.
type EndpointsChange struct {
	ChannelID string
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidEvent)
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each event kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case EventKindMessageCreated:
		if e.Message == nil {
			return fmt.Errorf("%w: message.created requires message payload", ErrInvalidEvent)
		}
		if e.Message.ID == "" {
			return fmt.Errorf("%w: message.created requires message id", ErrInvalidEvent)
		}
	case EventKindMessageUpdated:
		if e.Update == nil || e.Update.MessageID == "" {
			return fmt.Errorf("%w: message.updated requires update payload", ErrInvalidEvent)
		}
	case EventKindMessageDeleted, EventKindMessageBulkDeleted:
		if e.Deletion == nil || len(e.Deletion.MessageIDs) == 0 {
			return fmt.Errorf("%w: %s requires deletion payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindEndpointsChanged:
		if e.Endpoints == nil {
			return fmt.Errorf("%w: endpoints.changed requires endpoints payload", ErrInvalidEvent)
		}
	case EventKindInteractionCommand:
		if e.Interaction == nil || e.Interaction.Command == nil {
			return fmt.Errorf("%w: interaction.command requires command payload", ErrInvalidEvent)
		}
	case EventKindInteractionComponent:
		if e.Interaction == nil || e.Interaction.Component == nil {
			return fmt.Errorf("%w: interaction.component requires component payload", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
