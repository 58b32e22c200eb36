package highway

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCachedMessageDisplayIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		author     Actor
		wantName   string
		wantAvatar string
	}{
		{
			name: "nickname and member avatar win",
			author: Actor{
				Username:        "ana",
				GlobalName:      "Ana B",
				Nick:            "anabanana",
				AvatarURL:       "https://cdn/avatars/1/a.png",
				MemberAvatarURL: "https://cdn/guilds/9/users/1/avatars/m.png",
			},
			wantName:   "anabanana",
			wantAvatar: "https://cdn/guilds/9/users/1/avatars/m.png",
		},
		{
			name: "global name and user avatar",
			author: Actor{
				Username:   "ana",
				GlobalName: "Ana B",
				AvatarURL:  "https://cdn/avatars/1/a.png",
			},
			wantName:   "Ana B",
			wantAvatar: "https://cdn/avatars/1/a.png",
		},
		{
			name:       "username and platform default avatar",
			author:     Actor{Username: "ana"},
			wantName:   "ana",
			wantAvatar: "",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			message := CachedMessage{ID: "m1", Author: testCase.author}
			if got := message.DisplayName(); got != testCase.wantName {
				t.Fatalf("display name = %q, want %q", got, testCase.wantName)
			}
			if got := message.AvatarRef(); got != testCase.wantAvatar {
				t.Fatalf("avatar = %q, want %q", got, testCase.wantAvatar)
			}
		})
	}
}

func TestCachedMessageCloneIsDeep(t *testing.T) {
	t.Parallel()

	original := CachedMessage{
		ID:      "m1",
		Content: ValidContent("hi", []Embed{{Title: "t", Fields: []EmbedField{{Name: "a", Value: "b"}}}}),
		Attachments: []Attachment{
			{ID: "a1", FileName: "cat.png"},
		},
	}

	cloned := original.Clone()
	cloned.Content.Embeds[0].Fields[0].Value = "changed"
	cloned.Attachments[0].FileName = "dog.png"

	if original.Content.Embeds[0].Fields[0].Value != "b" {
		t.Fatalf("original embed field = %q, want b", original.Content.Embeds[0].Fields[0].Value)
	}
	if original.Attachments[0].FileName != "cat.png" {
		t.Fatalf("original attachment = %q, want cat.png", original.Attachments[0].FileName)
	}
}

func TestContentTags(t *testing.T) {
	t.Parallel()

	if !ValidContent("", nil).Empty() {
		t.Fatal("empty valid content Empty() = false, want true")
	}
	if ValidContent("x", nil).Empty() {
		t.Fatal("non-empty valid content Empty() = true, want false")
	}
	unrepresentable := UnrepresentableContent("components")
	if unrepresentable.Representable() {
		t.Fatal("Representable() = true, want false")
	}
	if unrepresentable.Empty() {
		t.Fatal("unrepresentable Empty() = true, want false")
	}
}

func TestContentPatchApply(t *testing.T) {
	t.Parallel()

	embeds := []Embed{{Title: "t"}}
	current := ValidContent("hello", []Embed{{Title: "old"}})

	tests := []struct {
		name    string
		current Content
		patch   ContentPatch
		want    Content
	}{
		{name: "empty patch keeps everything", current: current, want: current},
		{name: "text only", current: current, patch: TextPatch("edited"), want: ValidContent("edited", []Embed{{Title: "old"}})},
		{name: "embeds only keep text", current: current, patch: ContentPatch{Embeds: &embeds}, want: ValidContent("hello", embeds)},
		{name: "cleared text", current: current, patch: TextPatch(""), want: ValidContent("", []Embed{{Title: "old"}})},
		{
			name:    "unrepresentable wins",
			current: current,
			patch:   ContentPatch{Text: &embeds[0].Title, UnrepresentableReason: "stickers"},
			want:    UnrepresentableContent("stickers"),
		},
		{
			name:    "unrepresentable stays",
			current: UnrepresentableContent("components"),
			patch:   TextPatch("edited"),
			want:    UnrepresentableContent("components"),
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(testCase.want, testCase.patch.Apply(testCase.current)); diff != "" {
				t.Fatalf("content mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := func(kind EventKind) *Event {
		return &Event{ID: "e1", Kind: kind, OccurredAt: time.Unix(1, 0), ChannelID: "c1"}
	}

	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{name: "nil", event: nil, wantErr: true},
		{name: "created without payload", event: base(EventKindMessageCreated), wantErr: true},
		{
			name: "created with payload",
			event: func() *Event {
				event := base(EventKindMessageCreated)
				event.Message = &CachedMessage{ID: "m1", ChannelID: "c1"}
				return event
			}(),
		},
		{
			name: "bulk delete without ids",
			event: func() *Event {
				event := base(EventKindMessageBulkDeleted)
				event.Deletion = &Deletion{}
				return event
			}(),
			wantErr: true,
		},
		{
			name: "endpoints changed",
			event: func() *Event {
				event := base(EventKindEndpointsChanged)
				event.Endpoints = &EndpointsChange{ChannelID: "c1"}
				return event
			}(),
		},
		{
			name: "component without payload",
			event: func() *Event {
				event := base(EventKindInteractionComponent)
				event.Interaction = &Interaction{}
				return event
			}(),
			wantErr: true,
		},
		{name: "unknown kind", event: base("reaction.added"), wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.event.Validate()
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("error = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPermissionsHas(t *testing.T) {
	t.Parallel()

	granted := PermissionSendMessages | PermissionManageWebhooks
	if !granted.Has(PermissionSendMessages) {
		t.Fatal("Has(SendMessages) = false, want true")
	}
	if granted.Has(PermissionSendMessages | PermissionManageMessages) {
		t.Fatal("Has(SendMessages|ManageMessages) = true, want false")
	}
	if missing := granted.Missing(PermissionManageMessages | PermissionManageWebhooks); missing != PermissionManageMessages {
		t.Fatalf("Missing = %d, want %d", missing, PermissionManageMessages)
	}
	if !PermissionAdministrator.Has(PermissionManageMessages) {
		t.Fatal("administrator Has(ManageMessages) = false, want true")
	}
}
