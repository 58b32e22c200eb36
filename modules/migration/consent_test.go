package migration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"message-highway/pkg/highway"

	"github.com/google/go-cmp/cmp"
)

func TestPendingAuthors(t *testing.T) {
	t.Parallel()

	messages := []highway.CachedMessage{
		{ID: "m1", Author: highway.Actor{ID: "init"}},
		{ID: "m2", Author: highway.Actor{ID: "a"}},
		{ID: "m3", Author: highway.Actor{ID: "bot", IsBot: true}},
		{ID: "m4", Author: highway.Actor{ID: "b"}},
		{ID: "m5", Author: highway.Actor{ID: "a"}},
		{ID: "m6", Author: highway.Actor{ID: "hook"}, FromWebhook: true},
		{ID: "m7", Author: highway.Actor{}},
	}

	got := make([]string, 0)
	for _, author := range PendingAuthors(messages, "init") {
		got = append(got, author.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("pending authors mismatch (-want +got):\n%s", diff)
	}
}

func TestConsentSessionApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		clicks      []ComponentEvent
		wantOutcome ConsentOutcome
		wantPending []string
	}{
		{
			name:        "no clicks keeps collecting",
			wantOutcome: ConsentCollecting,
			wantPending: []string{"a", "b"},
		},
		{
			name: "every author agrees",
			clicks: []ComponentEvent{
				{Invoker: highway.Actor{ID: "b"}, CustomID: actionAgree},
				{Invoker: highway.Actor{ID: "a"}, CustomID: actionAgree},
			},
			wantOutcome: ConsentApproved,
			wantPending: []string{},
		},
		{
			name: "one refusal wins",
			clicks: []ComponentEvent{
				{Invoker: highway.Actor{ID: "a"}, CustomID: actionAgree},
				{Invoker: highway.Actor{ID: "b"}, CustomID: actionRefuse},
			},
			wantOutcome: ConsentRefused,
			wantPending: []string{"b"},
		},
		{
			name: "outsiders and repeated clicks are ignored",
			clicks: []ComponentEvent{
				{Invoker: highway.Actor{ID: "c"}, CustomID: actionRefuse},
				{Invoker: highway.Actor{ID: "a"}, CustomID: actionAgree},
				{Invoker: highway.Actor{ID: "a"}, CustomID: actionRefuse},
				{Invoker: highway.Actor{ID: "b"}, CustomID: "unknown"},
			},
			wantOutcome: ConsentCollecting,
			wantPending: []string{"b"},
		},
		{
			name: "clicks after resolution are ignored",
			clicks: []ComponentEvent{
				{Invoker: highway.Actor{ID: "a"}, CustomID: actionRefuse},
				{Invoker: highway.Actor{ID: "b"}, CustomID: actionAgree},
			},
			wantOutcome: ConsentRefused,
			wantPending: []string{"a", "b"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			session := newConsentSession([]highway.Actor{{ID: "a"}, {ID: "b"}})
			for _, event := range testCase.clicks {
				session.apply(event)
			}
			if session.outcome != testCase.wantOutcome {
				t.Fatalf("outcome = %s, want %s", session.outcome, testCase.wantOutcome)
			}
			pending := make([]string, 0)
			for _, author := range session.remaining() {
				pending = append(pending, author.ID)
			}
			if diff := cmp.Diff(testCase.wantPending, pending); diff != "" {
				t.Fatalf("pending mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConsentSessionRender(t *testing.T) {
	t.Parallel()

	session := newConsentSession([]highway.Actor{{ID: "a"}, {ID: "b"}})
	session.apply(ComponentEvent{Invoker: highway.Actor{ID: "a"}, CustomID: actionAgree})

	got := session.render(ConsentRequest{
		DestinationChannelID: "dest",
		Initiator:            highway.Actor{ID: "init"},
		Messages:             make([]highway.CachedMessage, 3),
	})
	want := "<@init> wants to move 3 messages to <#dest>, some of them are yours\nwaiting for: <@b>"
	if got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}

func TestConsentCoordinatorBypasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request ConsentRequest
	}{
		{
			name: "only initiator bots and replicas",
			request: ConsentRequest{
				ChannelID: "src",
				Initiator: highway.Actor{ID: "init"},
				Messages: []highway.CachedMessage{
					{ID: "m1", Author: highway.Actor{ID: "init"}},
					{ID: "m2", Author: highway.Actor{ID: "bot", IsBot: true}},
					{ID: "m3", Author: highway.Actor{ID: "hook"}, FromWebhook: true},
				},
			},
		},
		{
			name: "override skips other authors",
			request: ConsentRequest{
				ChannelID: "src",
				Initiator: highway.Actor{ID: "mod"},
				Override:  true,
				Messages:  consentMessages("a", "b"),
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dispatcher := newStubDispatcher()
			coordinator := newTestCoordinator(t, dispatcher, NewStreams(), time.Minute)

			result, err := coordinator.Run(context.Background(), testCase.request)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if result.Outcome != ConsentBypassed {
				t.Fatalf("outcome = %s, want bypassed", result.Outcome)
			}
			if sent := dispatcher.snapshot().sent; len(sent) != 0 {
				t.Fatalf("prompts sent = %d, want 0", len(sent))
			}
		})
	}
}

func TestConsentCoordinatorApproves(t *testing.T) {
	t.Parallel()

	dispatcher := newStubDispatcher()
	streams := NewStreams()
	coordinator := newTestCoordinator(t, dispatcher, streams, time.Minute)
	request := ConsentRequest{
		ChannelID:            "src",
		DestinationChannelID: "dest",
		Initiator:            highway.Actor{ID: "init"},
		Messages:             consentMessages("a", "b"),
	}

	done := runConsent(coordinator, request)
	prompt := awaitPrompt(t, dispatcher, streams)

	click(streams, prompt.ID, "c", actionRefuse)
	click(streams, prompt.ID, "a", actionAgree)
	click(streams, prompt.ID, "b", actionAgree)

	run := awaitConsent(t, done)
	if run.err != nil {
		t.Fatalf("run failed: %v", run.err)
	}
	if run.result.Outcome != ConsentApproved {
		t.Fatalf("outcome = %s, want approved", run.result.Outcome)
	}
	if run.result.PromptMessageID != prompt.ID {
		t.Fatalf("prompt id = %s, want %s", run.result.PromptMessageID, prompt.ID)
	}

	log := dispatcher.snapshot()
	if len(log.sent) != 1 || len(log.sent[0].Actions) != 2 {
		t.Fatalf("sent = %+v, want one prompt with two actions", log.sent)
	}
	if !strings.Contains(log.sent[0].Text, "waiting for: <@a>, <@b>") {
		t.Fatalf("prompt text = %q", log.sent[0].Text)
	}
	if len(log.acks) != 3 {
		t.Fatalf("acks = %d, want 3", len(log.acks))
	}
	for _, ack := range log.acks {
		if ack.mode != highway.AckModeUpdate {
			t.Fatalf("ack mode = %s, want update", ack.mode)
		}
	}
	if len(log.edits) != 2 {
		t.Fatalf("edits = %d, want progress and final", len(log.edits))
	}
	if !strings.HasSuffix(log.edits[0].Text, "waiting for: <@b>") {
		t.Fatalf("progress edit = %q", log.edits[0].Text)
	}
	if diff := cmp.Diff([]string{"a", "b"}, log.sent[0].MentionUserIDs); diff != "" {
		t.Fatalf("prompt mentions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, log.edits[0].MentionUserIDs); diff != "" {
		t.Fatalf("progress mentions mismatch (-want +got):\n%s", diff)
	}
	final := log.edits[1]
	if !strings.HasPrefix(final.Text, "everyone agreed") || len(final.Actions) != 0 {
		t.Fatalf("final edit = %+v, want closing text without actions", final)
	}
	if len(log.deletes) != 0 {
		t.Fatalf("deletes = %d, want 0", len(log.deletes))
	}
	if streams.Len() != 0 {
		t.Fatalf("open streams = %d, want 0", streams.Len())
	}
}

func TestConsentCoordinatorResolvesWithoutApproval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		timeout     time.Duration
		act         func(streams *Streams, promptID string)
		wantOutcome ConsentOutcome
		wantDeleted bool
	}{
		{
			name:    "refusal deletes the prompt",
			timeout: time.Minute,
			act: func(streams *Streams, promptID string) {
				click(streams, promptID, "a", actionAgree)
				click(streams, promptID, "b", actionRefuse)
			},
			wantOutcome: ConsentRefused,
			wantDeleted: true,
		},
		{
			name:        "expiry deletes the prompt",
			timeout:     200 * time.Millisecond,
			act:         func(*Streams, string) {},
			wantOutcome: ConsentAbandoned,
			wantDeleted: true,
		},
		{
			name:    "deleted prompt abandons without cleanup",
			timeout: time.Minute,
			act: func(streams *Streams, promptID string) {
				streams.End(promptID)
			},
			wantOutcome: ConsentAbandoned,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dispatcher := newStubDispatcher()
			streams := NewStreams()
			coordinator := newTestCoordinator(t, dispatcher, streams, testCase.timeout)

			done := runConsent(coordinator, ConsentRequest{
				ChannelID:            "src",
				DestinationChannelID: "dest",
				Initiator:            highway.Actor{ID: "init"},
				Messages:             consentMessages("a", "b"),
			})
			prompt := awaitPrompt(t, dispatcher, streams)
			testCase.act(streams, prompt.ID)

			run := awaitConsent(t, done)
			if run.err != nil {
				t.Fatalf("run failed: %v", run.err)
			}
			if run.result.Outcome != testCase.wantOutcome {
				t.Fatalf("outcome = %s, want %s", run.result.Outcome, testCase.wantOutcome)
			}
			if run.result.Outcome.Proceed() {
				t.Fatal("unresolved consent allowed the run to proceed")
			}

			deletes := dispatcher.snapshot().deletes
			if !testCase.wantDeleted {
				if len(deletes) != 0 {
					t.Fatalf("deletes = %+v, want none", deletes)
				}
				return
			}
			want := []highway.DeleteMessageRequest{{ChannelID: "src", MessageID: prompt.ID}}
			if diff := cmp.Diff(want, deletes); diff != "" {
				t.Fatalf("deletes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConsentCoordinatorDismissal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		deleteErr  error
		wantErrSub string
	}{
		{
			name: "prompt deleted before the watch started",
			deleteErr: &highway.OutboundError{
				Operation: highway.OutboundOperationDeleteMessage,
				Kind:      highway.OutboundErrorKindPermanent,
				Status:    http.StatusNotFound,
				Cause:     fmt.Errorf("%w: unknown message", highway.ErrMessageNotFound),
			},
		},
		{
			name:       "upstream failure",
			deleteErr:  errors.New("gateway timeout"),
			wantErrSub: "delete consent prompt",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dispatcher := newStubDispatcher()
			dispatcher.deleteErr = testCase.deleteErr
			streams := NewStreams()
			coordinator := newTestCoordinator(t, dispatcher, streams, 100*time.Millisecond)

			done := runConsent(coordinator, ConsentRequest{
				ChannelID:            "src",
				DestinationChannelID: "dest",
				Initiator:            highway.Actor{ID: "init"},
				Messages:             consentMessages("a"),
			})

			run := awaitConsent(t, done)
			if run.result.Outcome != ConsentAbandoned {
				t.Fatalf("outcome = %s, want abandoned", run.result.Outcome)
			}
			if testCase.wantErrSub == "" {
				if run.err != nil {
					t.Fatalf("run failed: %v", run.err)
				}
				return
			}
			if run.err == nil || !strings.Contains(run.err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want %q", run.err, testCase.wantErrSub)
			}
		})
	}
}

func TestConsentCoordinatorReturnsCancellation(t *testing.T) {
	t.Parallel()

	dispatcher := newStubDispatcher()
	streams := NewStreams()
	coordinator := newTestCoordinator(t, dispatcher, streams, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan consentRun, 1)
	go func() {
		result, err := coordinator.Run(ctx, ConsentRequest{
			ChannelID:            "src",
			DestinationChannelID: "dest",
			Initiator:            highway.Actor{ID: "init"},
			Messages:             consentMessages("a"),
		})
		done <- consentRun{result: result, err: err}
	}()
	awaitPrompt(t, dispatcher, streams)
	cancel()

	run := awaitConsent(t, done)
	if !errors.Is(run.err, context.Canceled) {
		t.Fatalf("error = %v, want context canceled", run.err)
	}
}

func TestConsentCoordinatorPromptFailure(t *testing.T) {
	t.Parallel()

	dispatcher := newStubDispatcher()
	dispatcher.sendErr = errors.New("missing access")
	coordinator := newTestCoordinator(t, dispatcher, NewStreams(), time.Minute)

	_, err := coordinator.Run(context.Background(), ConsentRequest{
		ChannelID: "src",
		Initiator: highway.Actor{ID: "init"},
		Messages:  consentMessages("a"),
	})
	if err == nil || !strings.Contains(err.Error(), "post consent prompt") {
		t.Fatalf("error = %v, want post failure", err)
	}
}

type consentRun struct {
	result ConsentResult
	err    error
}

func newTestCoordinator(t *testing.T, dispatcher *stubDispatcher, streams *Streams, timeout time.Duration) *ConsentCoordinator {
	t.Helper()

	coordinator, err := NewConsentCoordinator(dispatcher, streams, timeout, discardLogger())
	if err != nil {
		t.Fatalf("new consent coordinator failed: %v", err)
	}

	return coordinator
}

func runConsent(coordinator *ConsentCoordinator, request ConsentRequest) <-chan consentRun {
	done := make(chan consentRun, 1)
	go func() {
		result, err := coordinator.Run(context.Background(), request)
		done <- consentRun{result: result, err: err}
	}()

	return done
}

func awaitConsent(t *testing.T, done <-chan consentRun) consentRun {
	t.Helper()

	select {
	case run := <-done:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consent resolution")
		return consentRun{}
	}
}

func consentMessages(authorIDs ...string) []highway.CachedMessage {
	messages := make([]highway.CachedMessage, 0, len(authorIDs))
	for idx, authorID := range authorIDs {
		messages = append(messages, highway.CachedMessage{
			ID:      "m" + strconv.Itoa(idx+1),
			Author:  highway.Actor{ID: authorID},
			Content: highway.ValidContent("hello", nil),
		})
	}

	return messages
}
