package highway

import "context"

// MemberProfile is the per-server display override of one user.
type MemberProfile struct {
	Nick      string
	AvatarURL string
}

// MemberDirectory looks up per-server member profiles.
//
// Messages fetched from history carry no member data, so replicas consult the
// directory to honor nicknames and server avatars.
type MemberDirectory interface {
	// Member returns the profile of userID in guildID. found is false when the
	// user is no longer a member.
	Member(ctx context.Context, guildID string, userID string) (profile MemberProfile, found bool, err error)
}
