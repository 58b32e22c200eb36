package discord

import (
	"time"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
)

const (
	// DriverType is the configuration type token for the Discord driver.
	DriverType = "discord"
	// DriverPlatform is the neutral platform this driver publishes.
	DriverPlatform = highway.PlatformDiscord
)

// UpdateType identifies which gateway dispatch produced an Update.
type UpdateType string

const (
	UpdateTypeMessageCreate     UpdateType = "message_create"
	UpdateTypeMessageUpdate     UpdateType = "message_update"
	UpdateTypeMessageDelete     UpdateType = "message_delete"
	UpdateTypeMessageDeleteBulk UpdateType = "message_delete_bulk"
	UpdateTypeWebhooksUpdate    UpdateType = "webhooks_update"
	UpdateTypeInteraction       UpdateType = "interaction"
)

// Update is the driver's internal DTO between the gateway and the decoder.
type Update struct {
	Type       UpdateType
	OccurredAt time.Time
	GuildID    string
	ChannelID  string
	// Message is set for create and update dispatches.
	Message *discordgo.Message
	// DeletedIDs is set for delete dispatches.
	DeletedIDs []string
	// Interaction is set for interaction dispatches.
	Interaction *discordgo.Interaction
}
