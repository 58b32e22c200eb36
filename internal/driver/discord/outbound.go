package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOutboundTimeout = 10 * time.Second
	// defaultMaxAttachmentBytes matches the upload ceiling of unboosted servers.
	defaultMaxAttachmentBytes = 25 << 20
	attachmentDownloadWorkers = 4
)

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout configures a timeout bound for each outbound REST call.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithOutboundLogger configures structured logging for outbound operations.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.logger = logger
	}
}

// WithMaxAttachmentBytes bounds the size of one re-uploaded attachment.
func WithMaxAttachmentBytes(limit int64) OutboundOption {
	return func(cfg *outboundConfig) {
		if limit > 0 {
			cfg.maxAttachmentBytes = limit
		}
	}
}

type outboundConfig struct {
	rpcTimeout         time.Duration
	maxAttachmentBytes int64
	logger             *slog.Logger
}

// discordRPC is the REST surface the dispatcher needs.
type discordRPC interface {
	SendMessage(ctx context.Context, channelID string, send *discordgo.MessageSend) (*discordgo.Message, error)
	EditMessage(ctx context.Context, edit *discordgo.MessageEdit) error
	DeleteMessage(ctx context.Context, channelID string, messageID string) error
	BulkDelete(ctx context.Context, channelID string, messageIDs []string) error
	MessagesAfter(ctx context.Context, channelID string, afterID string, limit int) ([]*discordgo.Message, error)
	ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error)
	CreateWebhook(ctx context.Context, channelID string, name string) (*discordgo.Webhook, error)
	ExecuteWebhook(ctx context.Context, webhookID string, token string, threadID string, params *discordgo.WebhookParams) error
	RespondInteraction(ctx context.Context, interaction *discordgo.Interaction, response *discordgo.InteractionResponse) error
	EditInteractionResponse(ctx context.Context, interaction *discordgo.Interaction, edit *discordgo.WebhookEdit) (*discordgo.Message, error)
	Download(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Dispatcher adapts neutral outbound operations to Discord REST calls.
type Dispatcher struct {
	cfg     outboundConfig
	discord discordRPC
}

// NewDispatcher creates a Discord outbound dispatcher over a live session.
func NewDispatcher(session *discordgo.Session, options ...OutboundOption) (*Dispatcher, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord dispatcher: nil session")
	}

	return newDispatcherWithRPC(sessionRPC{session: session}, options...)
}

func newDispatcherWithRPC(rpc discordRPC, options ...OutboundOption) (*Dispatcher, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new discord dispatcher: nil rpc adapter")
	}

	cfg := outboundConfig{
		rpcTimeout:         defaultOutboundTimeout,
		maxAttachmentBytes: defaultMaxAttachmentBytes,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Dispatcher{cfg: cfg, discord: rpc}, nil
}

// SendMessage posts a plain message with optional buttons.
func (d *Dispatcher) SendMessage(ctx context.Context, request highway.SendMessageRequest) (*highway.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message validate: %w", err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	sent, err := d.discord.SendMessage(rpcCtx, request.ChannelID, &discordgo.MessageSend{
		Content:         request.Text,
		Components:      buttonRows(request.Actions),
		AllowedMentions: mentionOnly(request.MentionUserIDs),
	})
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w",
			request.ChannelID, mapDiscordOutboundError(highway.OutboundOperationSendMessage, err))
	}

	d.logOutbound(ctx, highway.OutboundOperationSendMessage, "channel_id", request.ChannelID, "message_id", sent.ID)

	return &highway.OutboundMessage{ID: sent.ID, ChannelID: request.ChannelID}, nil
}

// EditMessage replaces text and buttons of a message the engine posted.
func (d *Dispatcher) EditMessage(ctx context.Context, request highway.EditMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("edit message validate: %w", err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	components := buttonRows(request.Actions)
	edit := discordgo.NewMessageEdit(request.ChannelID, request.MessageID).SetContent(request.Text)
	edit.Components = &components
	edit.AllowedMentions = mentionOnly(request.MentionUserIDs)
	if err := d.discord.EditMessage(rpcCtx, edit); err != nil {
		return fmt.Errorf("edit message %s: %w",
			request.MessageID, mapDiscordOutboundError(highway.OutboundOperationEditMessage, err))
	}

	d.logOutbound(ctx, highway.OutboundOperationEditMessage, "channel_id", request.ChannelID, "message_id", request.MessageID)

	return nil
}

// DeleteMessage removes one message.
func (d *Dispatcher) DeleteMessage(ctx context.Context, request highway.DeleteMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("delete message validate: %w", err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.discord.DeleteMessage(rpcCtx, request.ChannelID, request.MessageID); err != nil {
		return fmt.Errorf("delete message %s: %w",
			request.MessageID, mapDiscordOutboundError(highway.OutboundOperationDeleteMessage, err))
	}

	d.logOutbound(ctx, highway.OutboundOperationDeleteMessage, "channel_id", request.ChannelID, "message_id", request.MessageID)

	return nil
}

// BulkDeleteMessages removes between two and one hundred messages in one call.
func (d *Dispatcher) BulkDeleteMessages(ctx context.Context, request highway.BulkDeleteRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("bulk delete validate: %w", err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.discord.BulkDelete(rpcCtx, request.ChannelID, request.MessageIDs); err != nil {
		return fmt.Errorf("bulk delete in %s: %w",
			request.ChannelID, mapDiscordOutboundError(highway.OutboundOperationBulkDelete, err))
	}

	d.logOutbound(ctx, highway.OutboundOperationBulkDelete, "channel_id", request.ChannelID, "count", len(request.MessageIDs))

	return nil
}

// FetchMessagesAfter reads history after an anchor message, oldest first.
func (d *Dispatcher) FetchMessagesAfter(ctx context.Context, request highway.FetchMessagesRequest) ([]highway.CachedMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("fetch messages validate: %w", err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	fetched, err := d.discord.MessagesAfter(rpcCtx, request.ChannelID, request.AfterID, request.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages after %s: %w",
			request.AfterID, mapDiscordOutboundError(highway.OutboundOperationFetchMessages, err))
	}

	messages := make([]highway.CachedMessage, 0, len(fetched))
	for _, message := range fetched {
		if message == nil {
			continue
		}
		mapped := MapMessage(message, "")
		if mapped.ChannelID == "" {
			mapped.ChannelID = request.ChannelID
		}
		messages = append(messages, mapped)
	}
	slices.SortFunc(messages, func(a highway.CachedMessage, b highway.CachedMessage) int {
		return compareSnowflakes(a.ID, b.ID)
	})

	d.logOutbound(ctx, highway.OutboundOperationFetchMessages, "channel_id", request.ChannelID, "count", len(messages))

	return messages, nil
}

// ListWebhooks lists the webhooks of a channel.
func (d *Dispatcher) ListWebhooks(ctx context.Context, channelID string) ([]highway.Webhook, error) {
	if channelID == "" {
		return nil, fmt.Errorf("list webhooks: %w: missing channel id", highway.ErrInvalidOutboundRequest)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	listed, err := d.discord.ChannelWebhooks(rpcCtx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks in %s: %w",
			channelID, mapDiscordOutboundError(highway.OutboundOperationListWebhooks, err))
	}

	webhooks := make([]highway.Webhook, 0, len(listed))
	for _, webhook := range listed {
		if webhook == nil {
			continue
		}
		webhooks = append(webhooks, mapWebhook(webhook))
	}

	return webhooks, nil
}

// CreateWebhook provisions an incoming webhook.
func (d *Dispatcher) CreateWebhook(ctx context.Context, channelID string, name string) (highway.Webhook, error) {
	if channelID == "" || name == "" {
		return highway.Webhook{}, fmt.Errorf("create webhook: %w: missing channel id or name", highway.ErrInvalidOutboundRequest)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	created, err := d.discord.CreateWebhook(rpcCtx, channelID, name)
	if err != nil {
		return highway.Webhook{}, fmt.Errorf("create webhook in %s: %w",
			channelID, mapDiscordOutboundError(highway.OutboundOperationCreateWebhook, err))
	}
	if created == nil {
		return highway.Webhook{}, fmt.Errorf("create webhook in %s: %w: empty response", channelID, highway.ErrMissingPrecondition)
	}

	d.logOutbound(ctx, highway.OutboundOperationCreateWebhook, "channel_id", channelID, "webhook_id", created.ID)

	return mapWebhook(created), nil
}

// ExecuteWebhook re-uploads attachments and posts one replica.
func (d *Dispatcher) ExecuteWebhook(ctx context.Context, request highway.ExecuteWebhookRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("execute webhook validate: %w", err)
	}

	files, err := d.downloadAttachments(ctx, request.Attachments)
	if err != nil {
		return fmt.Errorf("execute webhook %s: %w", request.Webhook.ID, err)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	params := &discordgo.WebhookParams{
		Content:         request.Text,
		Username:        request.Username,
		AvatarURL:       request.AvatarURL,
		Files:           files,
		Embeds:          toDiscordEmbeds(request.Embeds),
		AllowedMentions: suppressMentions(),
	}
	if err := d.discord.ExecuteWebhook(rpcCtx, request.Webhook.ID, request.Webhook.Token, request.ThreadID, params); err != nil {
		return fmt.Errorf("execute webhook %s: %w",
			request.Webhook.ID, mapDiscordOutboundError(highway.OutboundOperationExecuteWebhook, err))
	}

	d.logOutbound(ctx, highway.OutboundOperationExecuteWebhook,
		"channel_id", request.Webhook.ChannelID,
		"thread_id", request.ThreadID,
		"attachments", len(files),
	)

	return nil
}

// AcknowledgeInteraction defers the reply to an interaction.
func (d *Dispatcher) AcknowledgeInteraction(ctx context.Context, ref highway.InteractionRef, mode highway.AckMode) error {
	if ref.ID == "" || ref.Token == "" {
		return fmt.Errorf("acknowledge interaction: %w: missing interaction ref", highway.ErrInvalidOutboundRequest)
	}

	response := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	switch mode {
	case highway.AckModeEphemeralReply:
		response = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		}
	case highway.AckModeUpdate:
	default:
		return fmt.Errorf("acknowledge interaction: %w: unknown mode %q", highway.ErrInvalidOutboundRequest, mode)
	}

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.discord.RespondInteraction(rpcCtx, interactionFromRef(ref), response); err != nil {
		return fmt.Errorf("acknowledge interaction %s: %w",
			ref.ID, mapDiscordOutboundError(highway.OutboundOperationInteractionAck, err))
	}

	return nil
}

// EditInteractionReply replaces the deferred reply of an interaction.
func (d *Dispatcher) EditInteractionReply(
	ctx context.Context,
	ref highway.InteractionRef,
	reply highway.Reply,
) (*highway.OutboundMessage, error) {
	if ref.Token == "" || ref.AppID == "" {
		return nil, fmt.Errorf("edit interaction reply: %w: missing interaction ref", highway.ErrInvalidOutboundRequest)
	}

	components := []discordgo.MessageComponent{}
	if reply.ChannelPicker != nil {
		components = append(components, channelPickerRow(*reply.ChannelPicker))
	}
	text := reply.Text

	rpcCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	edited, err := d.discord.EditInteractionResponse(rpcCtx, interactionFromRef(ref), &discordgo.WebhookEdit{
		Content:         &text,
		Components:      &components,
		AllowedMentions: suppressMentions(),
	})
	if err != nil {
		return nil, fmt.Errorf("edit interaction reply %s: %w",
			ref.ID, mapDiscordOutboundError(highway.OutboundOperationInteractionEdit, err))
	}
	if edited == nil {
		return nil, nil
	}

	return &highway.OutboundMessage{ID: edited.ID, ChannelID: edited.ChannelID}, nil
}

func (d *Dispatcher) downloadAttachments(ctx context.Context, attachments []highway.Attachment) ([]*discordgo.File, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	for _, attachment := range attachments {
		if attachment.SizeBytes > d.cfg.maxAttachmentBytes {
			return nil, fmt.Errorf("%w: attachment %s is %d bytes, limit %d",
				highway.ErrInvalidOutboundRequest, attachment.FileName, attachment.SizeBytes, d.cfg.maxAttachmentBytes)
		}
	}

	files := make([]*discordgo.File, len(attachments))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(attachmentDownloadWorkers)
	for idx, attachment := range attachments {
		group.Go(func() error {
			rpcCtx, cancel := d.withTimeout(groupCtx)
			defer cancel()

			body, err := d.discord.Download(rpcCtx, attachment.URL, d.cfg.maxAttachmentBytes)
			if err != nil {
				return fmt.Errorf("download attachment %s: %w",
					attachment.FileName, mapDiscordOutboundError(highway.OutboundOperationDownload, err))
			}
			files[idx] = &discordgo.File{
				Name:        attachment.FileName,
				ContentType: attachment.ContentType,
				Reader:      bytes.NewReader(body),
			}

			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return files, nil
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.rpcTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, d.cfg.rpcTimeout)
}

func (d *Dispatcher) logOutbound(ctx context.Context, operation highway.OutboundOperation, attrs ...any) {
	if d.cfg.logger == nil {
		return
	}

	values := make([]any, 0, 4+len(attrs))
	values = append(values, "operation", operation, "platform", DriverPlatform)
	values = append(values, attrs...)
	d.cfg.logger.InfoContext(ctx, "discord outbound operation", values...)
}

func interactionFromRef(ref highway.InteractionRef) *discordgo.Interaction {
	return &discordgo.Interaction{ID: ref.ID, Token: ref.Token, AppID: ref.AppID}
}

// suppressMentions keeps replicas from pinging anyone a second time.
func suppressMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

// mentionOnly lets the listed users be pinged and nobody else.
func mentionOnly(userIDs []string) *discordgo.MessageAllowedMentions {
	if len(userIDs) == 0 {
		return suppressMentions()
	}

	allowed := suppressMentions()
	allowed.Users = append([]string(nil), userIDs...)
	return allowed
}

func buttonRows(actions []highway.Action) []discordgo.MessageComponent {
	if len(actions) == 0 {
		return []discordgo.MessageComponent{}
	}

	buttons := make([]discordgo.MessageComponent, 0, len(actions))
	for _, action := range actions {
		buttons = append(buttons, discordgo.Button{
			Label:    action.Label,
			Style:    buttonStyle(action.Style),
			CustomID: action.ID,
		})
	}

	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

func buttonStyle(style highway.ActionStyle) discordgo.ButtonStyle {
	switch style {
	case highway.ActionStyleSuccess:
		return discordgo.SuccessButton
	case highway.ActionStyleDanger:
		return discordgo.DangerButton
	case highway.ActionStyleSecondary:
		return discordgo.SecondaryButton
	default:
		return discordgo.PrimaryButton
	}
}

func channelPickerRow(picker highway.ChannelPicker) discordgo.MessageComponent {
	one := 1

	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.SelectMenu{
			MenuType:    discordgo.ChannelSelectMenu,
			CustomID:    picker.CustomID,
			Placeholder: picker.Placeholder,
			MinValues:   &one,
			MaxValues:   1,
			ChannelTypes: []discordgo.ChannelType{
				discordgo.ChannelTypeGuildText,
				discordgo.ChannelTypeGuildNews,
				discordgo.ChannelTypeGuildPublicThread,
				discordgo.ChannelTypeGuildPrivateThread,
				discordgo.ChannelTypeGuildNewsThread,
			},
		},
	}}
}

func mapWebhook(webhook *discordgo.Webhook) highway.Webhook {
	return highway.Webhook{
		ID:            webhook.ID,
		Token:         webhook.Token,
		ChannelID:     webhook.ChannelID,
		ApplicationID: webhook.ApplicationID,
		Incoming:      webhook.Type == discordgo.WebhookTypeIncoming,
	}
}

func toDiscordEmbeds(embeds []highway.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}

	mapped := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, embed := range embeds {
		out := &discordgo.MessageEmbed{
			Type:        discordgo.EmbedTypeRich,
			Title:       embed.Title,
			Description: embed.Description,
			URL:         embed.URL,
			Color:       embed.Color,
			Timestamp:   embed.Timestamp,
		}
		if embed.AuthorName != "" {
			out.Author = &discordgo.MessageEmbedAuthor{Name: embed.AuthorName, URL: embed.AuthorURL, IconURL: embed.AuthorIcon}
		}
		if embed.FooterText != "" {
			out.Footer = &discordgo.MessageEmbedFooter{Text: embed.FooterText, IconURL: embed.FooterIcon}
		}
		if embed.ImageURL != "" {
			out.Image = &discordgo.MessageEmbedImage{URL: embed.ImageURL}
		}
		if embed.ThumbnailURL != "" {
			out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: embed.ThumbnailURL}
		}
		for _, field := range embed.Fields {
			out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
				Name:   field.Name,
				Value:  field.Value,
				Inline: field.Inline,
			})
		}
		mapped = append(mapped, out)
	}

	return mapped
}

// compareSnowflakes orders numeric ids without parsing them.
func compareSnowflakes(a string, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// sessionRPC binds discordRPC to a discordgo session.
type sessionRPC struct {
	session *discordgo.Session
}

func (r sessionRPC) SendMessage(ctx context.Context, channelID string, send *discordgo.MessageSend) (*discordgo.Message, error) {
	return r.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
}

func (r sessionRPC) EditMessage(ctx context.Context, edit *discordgo.MessageEdit) error {
	_, err := r.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

func (r sessionRPC) DeleteMessage(ctx context.Context, channelID string, messageID string) error {
	return r.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (r sessionRPC) BulkDelete(ctx context.Context, channelID string, messageIDs []string) error {
	return r.session.ChannelMessagesBulkDelete(channelID, messageIDs, discordgo.WithContext(ctx))
}

func (r sessionRPC) MessagesAfter(ctx context.Context, channelID string, afterID string, limit int) ([]*discordgo.Message, error) {
	return r.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
}

func (r sessionRPC) ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error) {
	return r.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
}

func (r sessionRPC) CreateWebhook(ctx context.Context, channelID string, name string) (*discordgo.Webhook, error) {
	return r.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
}

func (r sessionRPC) ExecuteWebhook(
	ctx context.Context,
	webhookID string,
	token string,
	threadID string,
	params *discordgo.WebhookParams,
) error {
	if threadID != "" {
		_, err := r.session.WebhookThreadExecute(webhookID, token, true, threadID, params, discordgo.WithContext(ctx))
		return err
	}
	_, err := r.session.WebhookExecute(webhookID, token, true, params, discordgo.WithContext(ctx))
	return err
}

func (r sessionRPC) RespondInteraction(
	ctx context.Context,
	interaction *discordgo.Interaction,
	response *discordgo.InteractionResponse,
) error {
	return r.session.InteractionRespond(interaction, response, discordgo.WithContext(ctx))
}

func (r sessionRPC) EditInteractionResponse(
	ctx context.Context,
	interaction *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
) (*discordgo.Message, error) {
	return r.session.InteractionResponseEdit(interaction, edit, discordgo.WithContext(ctx))
}

// Download fetches an attachment from the CDN through the session HTTP client.
func (r sessionRPC) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	client := r.session.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", url, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: attachment larger than %d bytes", highway.ErrInvalidOutboundRequest, maxBytes)
	}

	return body, nil
}

var _ highway.Dispatcher = (*Dispatcher)(nil)
