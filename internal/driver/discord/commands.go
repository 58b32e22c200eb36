package discord

import (
	"context"
	"errors"
	"fmt"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
)

// MaxLastMessages bounds the message_count option of the last-messages command.
const MaxLastMessages = 20

// commandRegistrar is the REST surface used to publish application commands.
type commandRegistrar interface {
	BulkOverwrite(ctx context.Context, applicationID string, guildID string, commands []*discordgo.ApplicationCommand) error
}

// ApplicationCommands returns the command set the engine answers.
func ApplicationCommands() []*discordgo.ApplicationCommand {
	dmPermission := false
	minCount := 1.0

	return []*discordgo.ApplicationCommand{
		{
			Type:         discordgo.MessageApplicationCommand,
			Name:         highway.CommandMoveMessage,
			DMPermission: &dmPermission,
		},
		{
			Type:         discordgo.MessageApplicationCommand,
			Name:         highway.CommandMoveMessageAndBelow,
			DMPermission: &dmPermission,
		},
		{
			Type:         discordgo.ChatApplicationCommand,
			Name:         highway.CommandMoveLastMessages,
			Description:  "move the newest messages from this channel to another channel",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionMessageCount,
					Description: "how many of the newest messages do you want to move?",
					Required:    true,
					MinValue:    &minCount,
					MaxValue:    MaxLastMessages,
				},
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        optionChannel,
					Description: "where do you want to move the messages?",
					Required:    true,
					ChannelTypes: []discordgo.ChannelType{
						discordgo.ChannelTypeGuildText,
						discordgo.ChannelTypeGuildNews,
						discordgo.ChannelTypeGuildPublicThread,
						discordgo.ChannelTypeGuildPrivateThread,
					},
				},
			},
		},
	}
}

// RegisterCommands overwrites the command set globally, or per guild when
// guildIDs is non-empty.
func RegisterCommands(ctx context.Context, registrar commandRegistrar, applicationID string, guildIDs []string) error {
	if registrar == nil {
		return fmt.Errorf("register commands: nil registrar")
	}
	if applicationID == "" {
		return fmt.Errorf("register commands: %w: missing application id", highway.ErrMissingPrecondition)
	}

	scopes := guildIDs
	if len(scopes) == 0 {
		scopes = []string{""}
	}

	var registerErr error
	for _, guildID := range scopes {
		if err := registrar.BulkOverwrite(ctx, applicationID, guildID, ApplicationCommands()); err != nil {
			registerErr = errors.Join(registerErr, fmt.Errorf("register commands in guild %q: %w", guildID, err))
		}
	}

	return registerErr
}

type sessionCommandRegistrar struct {
	session *discordgo.Session
}

func (r sessionCommandRegistrar) BulkOverwrite(
	ctx context.Context,
	applicationID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
) error {
	_, err := r.session.ApplicationCommandBulkOverwrite(applicationID, guildID, commands, discordgo.WithContext(ctx))
	return err
}
