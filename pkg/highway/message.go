package highway

import "time"

// ContentKind tags whether message content can be replayed.
type ContentKind uint8

const (
	// ContentKindValid marks text and embeds that can be re-authored losslessly.
	ContentKindValid ContentKind = iota
	// ContentKindUnrepresentable marks content the engine cannot replay.
	ContentKindUnrepresentable
)

// Content is a tagged value: valid text and embeds, or unrepresentable.
type Content struct {
	Kind   ContentKind
	Text   string
	Embeds []Embed
	// Reason explains why content is unrepresentable.
	Reason string
}

// ValidContent builds replayable content.
func ValidContent(text string, embeds []Embed) Content {
	return Content{Kind: ContentKindValid, Text: text, Embeds: cloneEmbeds(embeds)}
}

// UnrepresentableContent builds content the engine refuses to replay.
func UnrepresentableContent(reason string) Content {
	return Content{Kind: ContentKindUnrepresentable, Reason: reason}
}

// Representable reports whether content can be replayed.
func (c Content) Representable() bool {
	return c.Kind == ContentKindValid
}

// Clone returns a copy that shares no embed storage with c.
func (c Content) Clone() Content {
	cloned := c
	cloned.Embeds = cloneEmbeds(c.Embeds)

	return cloned
}

// Empty reports whether valid content carries neither text nor embeds.
func (c Content) Empty() bool {
	return c.Kind == ContentKindValid && c.Text == "" && len(c.Embeds) == 0
}

// ContentPatch is a partial content change. Nil fields were absent from the
// platform event and keep their cached value.
type ContentPatch struct {
	Text   *string
	Embeds *[]Embed
	// UnrepresentableReason marks the message as no longer replayable when set.
	UnrepresentableReason string
}

// TextPatch returns a patch replacing only the text.
func TextPatch(text string) ContentPatch {
	return ContentPatch{Text: &text}
}

// Apply merges the present fields of p over current.
// Unrepresentable content stays unrepresentable.
func (p ContentPatch) Apply(current Content) Content {
	if p.UnrepresentableReason != "" {
		return UnrepresentableContent(p.UnrepresentableReason)
	}
	if !current.Representable() {
		return current.Clone()
	}

	merged := current.Clone()
	if p.Text != nil {
		merged.Text = *p.Text
	}
	if p.Embeds != nil {
		merged.Embeds = cloneEmbeds(*p.Embeds)
	}

	return merged
}

// Embed is a neutral projection of a rich embed block.
type Embed struct {
	Title        string
	Description  string
	URL          string
	Color        int
	Timestamp    string
	AuthorName   string
	AuthorURL    string
	AuthorIcon   string
	FooterText   string
	FooterIcon   string
	ImageURL     string
	ThumbnailURL string
	Fields       []EmbedField
}

// EmbedField is one name/value row inside an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Attachment describes one file attached to a message.
type Attachment struct {
	ID          string
	FileName    string
	ContentType string
	URL         string
	SizeBytes   int64
}

// CachedMessage is the lightweight snapshot stored per channel window.
type CachedMessage struct {
	ID        string
	ChannelID string
	GuildID   string
	Author    Actor
	Content   Content
	// Attachments are captured at creation and never retrofitted by updates.
	Attachments []Attachment
	// FromWebhook marks messages posted through an impersonation endpoint.
	FromWebhook bool
	CreatedAt   time.Time
}

// DisplayName resolves the name shown on a replica: nickname, then global name, then username.
func (m CachedMessage) DisplayName() string {
	switch {
	case m.Author.Nick != "":
		return m.Author.Nick
	case m.Author.GlobalName != "":
		return m.Author.GlobalName
	default:
		return m.Author.Username
	}
}

// AvatarRef resolves the avatar shown on a replica. Empty means platform default.
func (m CachedMessage) AvatarRef() string {
	if m.Author.MemberAvatarURL != "" {
		return m.Author.MemberAvatarURL
	}

	return m.Author.AvatarURL
}

// Clone returns a deep copy safe to hand across goroutines.
func (m CachedMessage) Clone() CachedMessage {
	cloned := m
	cloned.Content = m.Content.Clone()
	if len(m.Attachments) > 0 {
		cloned.Attachments = append([]Attachment(nil), m.Attachments...)
	}

	return cloned
}

func cloneEmbeds(embeds []Embed) []Embed {
	if len(embeds) == 0 {
		return nil
	}
	cloned := make([]Embed, len(embeds))
	for idx, embed := range embeds {
		cloned[idx] = embed
		if len(embed.Fields) > 0 {
			cloned[idx].Fields = append([]EmbedField(nil), embed.Fields...)
		}
	}

	return cloned
}

// MessageCache keeps a bounded per-channel window of recent messages.
//
// Lookups that find nothing are normal results, not errors.
type MessageCache interface {
	// Add appends a message to the tail of its channel window, evicting the head when full.
	Add(message CachedMessage)
	// Update merges a partial content change into a cached message. Unknown ids are ignored.
	Update(channelID string, messageID string, patch ContentPatch)
	// Delete removes one message. Unknown ids are ignored.
	Delete(channelID string, messageID string)
	// DeleteBulk removes several messages. Unknown ids are ignored.
	DeleteBulk(channelID string, messageIDs []string)
	// Query returns up to limit newest-first entries.
	// found is false when the channel has no window at all.
	Query(channelID string, limit int) (messages []CachedMessage, found bool)
}
