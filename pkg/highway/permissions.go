package highway

import "context"

// Permissions is a platform capability bitset.
type Permissions int64

// Capability bits, matching the Discord permission layout.
const (
	PermissionManageChannels        Permissions = 1 << 4
	PermissionAddReactions          Permissions = 1 << 6
	PermissionViewChannel           Permissions = 1 << 10
	PermissionSendMessages          Permissions = 1 << 11
	PermissionManageMessages        Permissions = 1 << 13
	PermissionEmbedLinks            Permissions = 1 << 14
	PermissionAttachFiles           Permissions = 1 << 15
	PermissionReadMessageHistory    Permissions = 1 << 16
	PermissionManageWebhooks        Permissions = 1 << 29
	PermissionSendMessagesInThreads Permissions = 1 << 38
	PermissionAdministrator         Permissions = 1 << 3
)

// Has reports whether every bit in required is present.
func (p Permissions) Has(required Permissions) bool {
	if p&PermissionAdministrator != 0 {
		return true
	}

	return p&required == required
}

// Missing returns the bits of required that p lacks.
func (p Permissions) Missing(required Permissions) Permissions {
	if p&PermissionAdministrator != 0 {
		return 0
	}

	return required &^ p
}

// ChannelKind classifies destination channels.
type ChannelKind string

const (
	ChannelKindText         ChannelKind = "text"
	ChannelKindAnnouncement ChannelKind = "announcement"
	ChannelKindThread       ChannelKind = "thread"
	ChannelKindOther        ChannelKind = "other"
)

// ChannelInfo is the resolved shape of a channel.
type ChannelInfo struct {
	ID       string
	GuildID  string
	Kind     ChannelKind
	ParentID string
}

// IsThread reports whether the channel is a thread.
func (c ChannelInfo) IsThread() bool {
	return c.Kind == ChannelKindThread
}

// EndpointChannelID returns the channel that owns webhooks for this destination.
// Threads post through the parent channel's webhook.
func (c ChannelInfo) EndpointChannelID() string {
	if c.IsThread() && c.ParentID != "" {
		return c.ParentID
	}

	return c.ID
}

// PermissionEvaluator resolves channels and effective permissions.
type PermissionEvaluator interface {
	// ResolveChannel returns channel shape and thread parent.
	ResolveChannel(ctx context.Context, channelID string) (ChannelInfo, error)
	// EnginePermissions returns the engine's own permissions in a channel.
	EnginePermissions(ctx context.Context, channelID string) (Permissions, error)
	// MemberPermissions returns a member's permissions in a channel.
	MemberPermissions(ctx context.Context, guildID string, userID string, channelID string) (Permissions, error)
}
