package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"message-highway/pkg/highway"

	"github.com/bwmarrin/discordgo"
)

// guildRPC is the read-only surface used for channel, permission and member lookups.
type guildRPC interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	ChannelPermissions(ctx context.Context, userID string, channelID string) (int64, error)
	Member(ctx context.Context, guildID string, userID string) (*discordgo.Member, error)
	SelfID() string
}

// Guilds answers permission and member questions from the gateway state,
// falling back to REST when the state is cold.
type Guilds struct {
	discord guildRPC
}

// NewGuilds creates a guild lookup over a live session.
func NewGuilds(session *discordgo.Session) (*Guilds, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord guilds: nil session")
	}

	return newGuildsWithRPC(sessionGuildRPC{session: session})
}

func newGuildsWithRPC(rpc guildRPC) (*Guilds, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new discord guilds: nil rpc adapter")
	}

	return &Guilds{discord: rpc}, nil
}

// ResolveChannel returns channel shape and thread parent.
func (g *Guilds) ResolveChannel(ctx context.Context, channelID string) (highway.ChannelInfo, error) {
	channel, err := g.discord.Channel(ctx, channelID)
	if err != nil {
		return highway.ChannelInfo{}, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	if channel == nil {
		return highway.ChannelInfo{}, fmt.Errorf("resolve channel %s: %w: empty channel", channelID, highway.ErrMissingPrecondition)
	}

	return highway.ChannelInfo{
		ID:       channel.ID,
		GuildID:  channel.GuildID,
		Kind:     channelKind(channel.Type),
		ParentID: channel.ParentID,
	}, nil
}

// EnginePermissions returns the bot's permissions in a channel.
func (g *Guilds) EnginePermissions(ctx context.Context, channelID string) (highway.Permissions, error) {
	selfID := g.discord.SelfID()
	if selfID == "" {
		return 0, fmt.Errorf("engine permissions in %s: %w: gateway not ready", channelID, highway.ErrMissingPrecondition)
	}

	return g.permissions(ctx, selfID, channelID)
}

// MemberPermissions returns a member's permissions in a channel.
func (g *Guilds) MemberPermissions(ctx context.Context, _ string, userID string, channelID string) (highway.Permissions, error) {
	return g.permissions(ctx, userID, channelID)
}

// permissions evaluates threads through their parent channel, which owns the overwrites.
func (g *Guilds) permissions(ctx context.Context, userID string, channelID string) (highway.Permissions, error) {
	info, err := g.ResolveChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}

	bits, err := g.discord.ChannelPermissions(ctx, userID, info.EndpointChannelID())
	if err != nil {
		return 0, fmt.Errorf("permissions of %s in %s: %w", userID, channelID, err)
	}

	return highway.Permissions(bits), nil
}

// Member returns the per-server profile of a user.
func (g *Guilds) Member(ctx context.Context, guildID string, userID string) (highway.MemberProfile, bool, error) {
	if guildID == "" || userID == "" {
		return highway.MemberProfile{}, false, nil
	}

	member, err := g.discord.Member(ctx, guildID, userID)
	if err != nil {
		if isUnknownMember(err) {
			return highway.MemberProfile{}, false, nil
		}
		return highway.MemberProfile{}, false, fmt.Errorf("member %s of %s: %w", userID, guildID, err)
	}
	if member == nil {
		return highway.MemberProfile{}, false, nil
	}

	profile := highway.MemberProfile{Nick: member.Nick}
	if member.Avatar != "" {
		profile.AvatarURL = discordgo.EndpointGuildMemberAvatar(guildID, userID, member.Avatar)
	}

	return profile, true, nil
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMember {
		return true
	}

	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func channelKind(channelType discordgo.ChannelType) highway.ChannelKind {
	switch channelType {
	case discordgo.ChannelTypeGuildText:
		return highway.ChannelKindText
	case discordgo.ChannelTypeGuildNews:
		return highway.ChannelKindAnnouncement
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return highway.ChannelKindThread
	default:
		return highway.ChannelKindOther
	}
}

type sessionGuildRPC struct {
	session *discordgo.Session
}

func (r sessionGuildRPC) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if r.session.State != nil {
		if channel, err := r.session.State.Channel(channelID); err == nil {
			return channel, nil
		}
	}

	return r.session.Channel(channelID, discordgo.WithContext(ctx))
}

func (r sessionGuildRPC) ChannelPermissions(ctx context.Context, userID string, channelID string) (int64, error) {
	return r.session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
}

func (r sessionGuildRPC) Member(ctx context.Context, guildID string, userID string) (*discordgo.Member, error) {
	if r.session.State != nil {
		if member, err := r.session.State.Member(guildID, userID); err == nil {
			return member, nil
		}
	}

	return r.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
}

func (r sessionGuildRPC) SelfID() string {
	if r.session.State == nil || r.session.State.User == nil {
		return ""
	}

	return r.session.State.User.ID
}

var (
	_ highway.PermissionEvaluator = (*Guilds)(nil)
	_ highway.MemberDirectory     = (*Guilds)(nil)
)
