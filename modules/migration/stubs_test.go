package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"message-highway/pkg/highway"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubDispatcher records outbound calls and hands out sequential message ids.
type stubDispatcher struct {
	mu sync.Mutex
	dispatchLog

	nextID         int
	fetched        []highway.CachedMessage
	executeFailsAt int
	executeErr     error
	sendErr        error
	deleteErr      error

	posted chan highway.OutboundMessage
	picked chan highway.OutboundMessage
}

// dispatchLog is the recorded outbound traffic.
type dispatchLog struct {
	sent        []highway.SendMessageRequest
	edits       []highway.EditMessageRequest
	deletes     []highway.DeleteMessageRequest
	bulkDeletes []highway.BulkDeleteRequest
	executions  []highway.ExecuteWebhookRequest
	acks        []ackCall
	replies     []highway.Reply
	created     []string
}

type ackCall struct {
	interactionID string
	mode          highway.AckMode
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{
		executeFailsAt: -1,
		posted:         make(chan highway.OutboundMessage, 16),
		picked:         make(chan highway.OutboundMessage, 16),
	}
}

func (d *stubDispatcher) newMessageID(prefix string) string {
	d.nextID++
	return fmt.Sprintf("%s-%d", prefix, d.nextID)
}

func (d *stubDispatcher) SendMessage(_ context.Context, request highway.SendMessageRequest) (*highway.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.sendErr != nil {
		d.mu.Unlock()
		return nil, d.sendErr
	}
	d.sent = append(d.sent, request)
	message := highway.OutboundMessage{ID: d.newMessageID("prompt"), ChannelID: request.ChannelID}
	d.mu.Unlock()

	d.posted <- message

	return &message, nil
}

func (d *stubDispatcher) EditMessage(_ context.Context, request highway.EditMessageRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, request)

	return nil
}

func (d *stubDispatcher) DeleteMessage(_ context.Context, request highway.DeleteMessageRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, request)

	return d.deleteErr
}

func (d *stubDispatcher) BulkDeleteMessages(_ context.Context, request highway.BulkDeleteRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.bulkDeletes = append(d.bulkDeletes, request)

	return nil
}

func (d *stubDispatcher) FetchMessagesAfter(_ context.Context, request highway.FetchMessagesRequest) ([]highway.CachedMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fetched := make([]highway.CachedMessage, 0, len(d.fetched))
	for _, message := range d.fetched {
		if len(fetched) == request.Limit {
			break
		}
		fetched = append(fetched, message.Clone())
	}

	return fetched, nil
}

func (d *stubDispatcher) ListWebhooks(context.Context, string) ([]highway.Webhook, error) {
	return nil, nil
}

func (d *stubDispatcher) CreateWebhook(_ context.Context, channelID string, _ string) (highway.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, channelID)

	return highway.Webhook{
		ID:        "wh-" + channelID,
		Token:     "token-" + channelID,
		ChannelID: channelID,
		Incoming:  true,
	}, nil
}

func (d *stubDispatcher) ExecuteWebhook(_ context.Context, request highway.ExecuteWebhookRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.executeFailsAt == len(d.executions) {
		return d.executeErr
	}
	d.executions = append(d.executions, request)

	return nil
}

func (d *stubDispatcher) AcknowledgeInteraction(_ context.Context, ref highway.InteractionRef, mode highway.AckMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, ackCall{interactionID: ref.ID, mode: mode})

	return nil
}

func (d *stubDispatcher) EditInteractionReply(
	_ context.Context,
	ref highway.InteractionRef,
	reply highway.Reply,
) (*highway.OutboundMessage, error) {
	d.mu.Lock()
	d.replies = append(d.replies, reply)
	message := highway.OutboundMessage{ID: "reply-" + ref.ID}
	d.mu.Unlock()

	if reply.ChannelPicker != nil {
		d.picked <- message
	}

	return &message, nil
}

func (d *stubDispatcher) snapshot() dispatchLog {
	d.mu.Lock()
	defer d.mu.Unlock()

	return dispatchLog{
		sent:        append([]highway.SendMessageRequest(nil), d.sent...),
		edits:       append([]highway.EditMessageRequest(nil), d.edits...),
		deletes:     append([]highway.DeleteMessageRequest(nil), d.deletes...),
		bulkDeletes: append([]highway.BulkDeleteRequest(nil), d.bulkDeletes...),
		executions:  append([]highway.ExecuteWebhookRequest(nil), d.executions...),
		acks:        append([]ackCall(nil), d.acks...),
		replies:     append([]highway.Reply(nil), d.replies...),
		created:     append([]string(nil), d.created...),
	}
}

// awaitPrompt waits until a prompt is posted and its stream is registered.
func awaitPrompt(t *testing.T, dispatcher *stubDispatcher, streams *Streams) highway.OutboundMessage {
	t.Helper()

	var prompt highway.OutboundMessage
	select {
	case prompt = <-dispatcher.posted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consent prompt")
	}
	waitFor(t, func() bool { return streams.Len() > 0 })

	return prompt
}

func click(streams *Streams, messageID string, userID string, customID string, values ...string) bool {
	return streams.Dispatch(messageID, ComponentEvent{
		Ref:      highway.InteractionRef{ID: "click-" + userID + "-" + customID, Token: "token"},
		Invoker:  highway.Actor{ID: userID},
		CustomID: customID,
		Values:   values,
	})
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stubPermissions serves fixed channel shapes and permission sets. Member
// permissions are keyed by "user@channel".
type stubPermissions struct {
	channels map[string]highway.ChannelInfo
	engine   map[string]highway.Permissions
	members  map[string]highway.Permissions
}

func (p *stubPermissions) ResolveChannel(_ context.Context, channelID string) (highway.ChannelInfo, error) {
	channel, exists := p.channels[channelID]
	if !exists {
		return highway.ChannelInfo{}, fmt.Errorf("channel %s: %w", channelID, errUnknownChannel)
	}

	return channel, nil
}

func (p *stubPermissions) EnginePermissions(_ context.Context, channelID string) (highway.Permissions, error) {
	return p.engine[channelID], nil
}

func (p *stubPermissions) MemberPermissions(_ context.Context, _ string, userID string, channelID string) (highway.Permissions, error) {
	return p.members[userID+"@"+channelID], nil
}

var errUnknownChannel = errors.New("unknown channel")

type stubMembers struct {
	mu       sync.Mutex
	profiles map[string]highway.MemberProfile
	lookups  map[string]int
}

func (m *stubMembers) Member(_ context.Context, _ string, userID string) (highway.MemberProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookups == nil {
		m.lookups = make(map[string]int)
	}
	m.lookups[userID]++
	profile, found := m.profiles[userID]

	return profile, found, nil
}

func (m *stubMembers) lookupCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lookups[userID]
}
