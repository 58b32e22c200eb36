package discord

import (
	"context"
	"fmt"
	"time"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// Slash command option names.
const (
	optionMessageCount = "message_count"
	optionChannel      = "channel"
)

// Decoder converts gateway update DTOs into neutral highway events.
type Decoder interface {
	// Decode maps one update into a validated event. A nil event means the
	// update carries nothing the engine consumes.
	Decode(ctx context.Context, update Update) (*highway.Event, error)
}

// DefaultDecoder provides the default Discord-to-highway mappings.
type DefaultDecoder struct {
	newID func() string
}

// NewDefaultDecoder creates a decoder that stamps events with random UUIDs.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{newID: uuid.NewString}
}

// Decode converts a Discord update into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*highway.Event, error) {
	event := d.newBaseEvent(update)

	switch update.Type {
	case UpdateTypeMessageCreate:
		if update.Message == nil {
			return nil, fmt.Errorf("decode message create: %w: missing message", highway.ErrMissingPrecondition)
		}
		event.Kind = highway.EventKindMessageCreated
		message := MapMessage(update.Message, update.GuildID)
		event.Message = &message
		event.Actor = message.Author
	case UpdateTypeMessageUpdate:
		if update.Message == nil {
			return nil, fmt.Errorf("decode message update: %w: missing message", highway.ErrMissingPrecondition)
		}
		event.Kind = highway.EventKindMessageUpdated
		event.Update = &highway.MessageUpdate{
			MessageID: update.Message.ID,
			Patch:     mapContentPatch(update.Message),
		}
	case UpdateTypeMessageDelete:
		event.Kind = highway.EventKindMessageDeleted
		event.Deletion = &highway.Deletion{MessageIDs: append([]string(nil), update.DeletedIDs...)}
	case UpdateTypeMessageDeleteBulk:
		event.Kind = highway.EventKindMessageBulkDeleted
		event.Deletion = &highway.Deletion{MessageIDs: append([]string(nil), update.DeletedIDs...)}
	case UpdateTypeWebhooksUpdate:
		event.Kind = highway.EventKindEndpointsChanged
		event.Endpoints = &highway.EndpointsChange{ChannelID: update.ChannelID}
	case UpdateTypeInteraction:
		decoded, err := decodeInteraction(event, update)
		if err != nil {
			return nil, fmt.Errorf("decode interaction: %w", err)
		}
		if decoded == nil {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

func (d DefaultDecoder) newBaseEvent(update Update) *highway.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	newID := d.newID
	if newID == nil {
		newID = uuid.NewString
	}

	return &highway.Event{
		ID:         newID(),
		OccurredAt: occurredAt,
		Platform:   DriverPlatform,
		GuildID:    update.GuildID,
		ChannelID:  update.ChannelID,
	}
}

// decodeInteraction fills the interaction branch of event. It returns a nil
// event for interaction types the engine does not handle.
func decodeInteraction(event *highway.Event, update Update) (*highway.Event, error) {
	interaction := update.Interaction
	if interaction == nil {
		return nil, fmt.Errorf("%w: missing interaction", highway.ErrMissingPrecondition)
	}

	decoded := &highway.Interaction{
		Ref: highway.InteractionRef{
			ID:    interaction.ID,
			Token: interaction.Token,
			AppID: interaction.AppID,
		},
	}
	user := interaction.User
	if interaction.Member != nil {
		user = interaction.Member.User
		permissions := highway.Permissions(interaction.Member.Permissions)
		decoded.InvokerPermissions = &permissions
	}
	if user == nil {
		return nil, fmt.Errorf("%w: interaction %s without invoker", highway.ErrMissingPrecondition, interaction.ID)
	}
	decoded.Invoker = mapActor(interaction.GuildID, user, interaction.Member)

	switch interaction.Type {
	case discordgo.InteractionApplicationCommand:
		command, err := decodeCommand(interaction)
		if err != nil {
			return nil, err
		}
		event.Kind = highway.EventKindInteractionCommand
		decoded.Command = command
	case discordgo.InteractionMessageComponent:
		if interaction.Message == nil || interaction.Message.ID == "" {
			return nil, fmt.Errorf("%w: component interaction %s without message", highway.ErrMissingPrecondition, interaction.ID)
		}
		data := interaction.MessageComponentData()
		event.Kind = highway.EventKindInteractionComponent
		decoded.Component = &highway.ComponentAction{
			MessageID: interaction.Message.ID,
			CustomID:  data.CustomID,
			Values:    append([]string(nil), data.Values...),
		}
	default:
		return nil, nil
	}

	event.Actor = decoded.Invoker
	event.Interaction = decoded

	return event, nil
}

func decodeCommand(interaction *discordgo.Interaction) (*highway.CommandInvocation, error) {
	data := interaction.ApplicationCommandData()
	command := &highway.CommandInvocation{Name: data.Name}

	switch data.Name {
	case highway.CommandMoveMessage, highway.CommandMoveMessageAndBelow:
		var target *discordgo.Message
		if data.Resolved != nil {
			target = data.Resolved.Messages[data.TargetID]
		}
		if target == nil {
			return nil, fmt.Errorf("%w: command %q without resolved target message", highway.ErrMissingPrecondition, data.Name)
		}
		message := MapMessage(target, interaction.GuildID)
		if message.ChannelID == "" {
			message.ChannelID = interaction.ChannelID
		}
		command.Target = &message
	case highway.CommandMoveLastMessages:
		for _, option := range data.Options {
			if option == nil {
				continue
			}
			switch option.Name {
			case optionMessageCount:
				if option.Type == discordgo.ApplicationCommandOptionInteger {
					command.Count = int(option.IntValue())
				}
			case optionChannel:
				if channelID, ok := option.Value.(string); ok {
					command.DestinationChannelID = channelID
				}
			}
		}
	}

	return command, nil
}

// MapMessage projects a platform message into a cache snapshot.
func MapMessage(message *discordgo.Message, guildID string) highway.CachedMessage {
	if message.GuildID != "" {
		guildID = message.GuildID
	}

	return highway.CachedMessage{
		ID:          message.ID,
		ChannelID:   message.ChannelID,
		GuildID:     guildID,
		Author:      mapActor(guildID, message.Author, message.Member),
		Content:     mapContent(message),
		Attachments: mapAttachments(message.Attachments),
		FromWebhook: message.WebhookID != "",
		CreatedAt:   message.Timestamp,
	}
}

// mapContent classifies message content. Only text and rich embeds replay
// losslessly; auto-generated link previews are dropped since the platform
// regenerates them from the text.
func mapContent(message *discordgo.Message) highway.Content {
	if reason := unrepresentableReason(message); reason != "" {
		return highway.UnrepresentableContent(reason)
	}

	return highway.ValidContent(message.Content, richEmbeds(message.Embeds))
}

func unrepresentableReason(message *discordgo.Message) string {
	switch {
	case message.Activity != nil || message.Application != nil:
		return "activity invite"
	case len(message.Components) > 0:
		return "interactive components"
	case len(message.StickerItems) > 0:
		return "stickers"
	case message.Type != discordgo.MessageTypeDefault && message.Type != discordgo.MessageTypeReply:
		return "system message"
	default:
		return ""
	}
}

func richEmbeds(embeds []*discordgo.MessageEmbed) []highway.Embed {
	mapped := make([]highway.Embed, 0, len(embeds))
	for _, embed := range embeds {
		if embed == nil || embed.Type != discordgo.EmbedTypeRich {
			continue
		}
		mapped = append(mapped, mapEmbed(embed))
	}

	return mapped
}

// mapContentPatch keeps only what a MESSAGE_UPDATE dispatch actually carried.
// Author edits always set edited_timestamp and resend the text; link-preview
// unfurls carry embeds alone. A nil embeds slice means the field was absent.
func mapContentPatch(message *discordgo.Message) highway.ContentPatch {
	if reason := unrepresentableReason(message); reason != "" {
		return highway.ContentPatch{UnrepresentableReason: reason}
	}

	var patch highway.ContentPatch
	if message.EditedTimestamp != nil {
		text := message.Content
		patch.Text = &text
	}
	if message.Embeds != nil {
		embeds := richEmbeds(message.Embeds)
		patch.Embeds = &embeds
	}

	return patch
}

func mapEmbed(embed *discordgo.MessageEmbed) highway.Embed {
	mapped := highway.Embed{
		Title:       embed.Title,
		Description: embed.Description,
		URL:         embed.URL,
		Color:       embed.Color,
		Timestamp:   embed.Timestamp,
	}
	if embed.Author != nil {
		mapped.AuthorName = embed.Author.Name
		mapped.AuthorURL = embed.Author.URL
		mapped.AuthorIcon = embed.Author.IconURL
	}
	if embed.Footer != nil {
		mapped.FooterText = embed.Footer.Text
		mapped.FooterIcon = embed.Footer.IconURL
	}
	if embed.Image != nil {
		mapped.ImageURL = embed.Image.URL
	}
	if embed.Thumbnail != nil {
		mapped.ThumbnailURL = embed.Thumbnail.URL
	}
	for _, field := range embed.Fields {
		if field == nil {
			continue
		}
		mapped.Fields = append(mapped.Fields, highway.EmbedField{
			Name:   field.Name,
			Value:  field.Value,
			Inline: field.Inline,
		})
	}

	return mapped
}

func mapAttachments(attachments []*discordgo.MessageAttachment) []highway.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	mapped := make([]highway.Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		if attachment == nil {
			continue
		}
		mapped = append(mapped, highway.Attachment{
			ID:          attachment.ID,
			FileName:    attachment.Filename,
			ContentType: attachment.ContentType,
			URL:         attachment.URL,
			SizeBytes:   int64(attachment.Size),
		})
	}

	return mapped
}

func mapActor(guildID string, user *discordgo.User, member *discordgo.Member) highway.Actor {
	if user == nil && member != nil {
		user = member.User
	}
	if user == nil {
		return highway.Actor{}
	}

	actor := highway.Actor{
		ID:         user.ID,
		Username:   user.Username,
		GlobalName: user.GlobalName,
		IsBot:      user.Bot,
	}
	if user.Avatar != "" {
		actor.AvatarURL = user.AvatarURL("")
	}
	if member != nil {
		actor.Nick = member.Nick
		if member.Avatar != "" && guildID != "" {
			actor.MemberAvatarURL = discordgo.EndpointGuildMemberAvatar(guildID, user.ID, member.Avatar)
		}
	}

	return actor
}
