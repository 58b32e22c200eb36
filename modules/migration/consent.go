package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"
)

// ConsentOutcome is the terminal state of a consent session.
type ConsentOutcome string

const (
	// ConsentBypassed means no prompt was needed.
	ConsentBypassed ConsentOutcome = "bypassed"
	// ConsentCollecting means the prompt is waiting for answers.
	ConsentCollecting ConsentOutcome = "collecting"
	// ConsentApproved means every pending author agreed.
	ConsentApproved ConsentOutcome = "approved"
	// ConsentRefused means a pending author refused.
	ConsentRefused ConsentOutcome = "refused"
	// ConsentAbandoned means the session ended without an answer from everyone.
	ConsentAbandoned ConsentOutcome = "abandoned"
)

// Proceed reports whether the migration may continue.
func (o ConsentOutcome) Proceed() bool {
	return o == ConsentBypassed || o == ConsentApproved
}

const (
	actionAgree  = "consent_agree"
	actionRefuse = "consent_refuse"
)

// consentDispatcher is the prompt surface the coordinator needs.
type consentDispatcher interface {
	SendMessage(ctx context.Context, request highway.SendMessageRequest) (*highway.OutboundMessage, error)
	EditMessage(ctx context.Context, request highway.EditMessageRequest) error
	DeleteMessage(ctx context.Context, request highway.DeleteMessageRequest) error
	AcknowledgeInteraction(ctx context.Context, ref highway.InteractionRef, mode highway.AckMode) error
}

// ConsentRequest describes the target set a session gates.
type ConsentRequest struct {
	// ChannelID is where the prompt is posted.
	ChannelID            string
	DestinationChannelID string
	Initiator            highway.Actor
	// Override skips the prompt regardless of authorship.
	Override bool
	Messages []highway.CachedMessage
}

// ConsentResult is the resolution of one session.
type ConsentResult struct {
	Outcome         ConsentOutcome
	PromptMessageID string
	// Pending lists authors that had not agreed when the session resolved.
	Pending []highway.Actor
}

// ConsentCoordinator collects approvals from the authors affected by a run.
type ConsentCoordinator struct {
	dispatcher consentDispatcher
	streams    *Streams
	timeout    time.Duration
	logger     *slog.Logger
}

// NewConsentCoordinator creates a coordinator posting prompts through dispatcher.
// A non-positive timeout leaves the wait unbounded.
func NewConsentCoordinator(
	dispatcher consentDispatcher,
	streams *Streams,
	timeout time.Duration,
	logger *slog.Logger,
) (*ConsentCoordinator, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("new consent coordinator: nil dispatcher")
	}
	if streams == nil {
		return nil, fmt.Errorf("new consent coordinator: nil streams")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ConsentCoordinator{
		dispatcher: dispatcher,
		streams:    streams,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// PendingAuthors returns the distinct authors that must agree, in order of
// first appearance. The initiator, bots and replicas never need to agree.
func PendingAuthors(messages []highway.CachedMessage, initiatorID string) []highway.Actor {
	seen := make(map[string]struct{}, len(messages))
	pending := make([]highway.Actor, 0, len(messages))
	for _, message := range messages {
		author := message.Author
		if message.FromWebhook || author.IsBot || author.ID == "" || author.ID == initiatorID {
			continue
		}
		if _, exists := seen[author.ID]; exists {
			continue
		}
		seen[author.ID] = struct{}{}
		pending = append(pending, author)
	}

	return pending
}

// Run gates request on consent. It returns an error only for upstream
// failures and cancellation of ctx.
//
// The prompt is edited when everyone agrees, deleted on refusal or expiry, and
// left alone when it was deleted externally.
func (c *ConsentCoordinator) Run(ctx context.Context, request ConsentRequest) (ConsentResult, error) {
	pending := PendingAuthors(request.Messages, request.Initiator.ID)
	if request.Override || len(pending) == 0 {
		metrics.ConsentSessions.WithLabelValues(string(ConsentBypassed)).Inc()
		return ConsentResult{Outcome: ConsentBypassed}, nil
	}

	session := newConsentSession(pending)
	prompt, err := c.dispatcher.SendMessage(ctx, highway.SendMessageRequest{
		ChannelID:      request.ChannelID,
		Text:           session.render(request),
		Actions:        consentActions(),
		MentionUserIDs: session.remainingIDs(),
	})
	if err != nil {
		return ConsentResult{}, fmt.Errorf("post consent prompt: %w", err)
	}
	if prompt == nil || prompt.ID == "" {
		return ConsentResult{}, fmt.Errorf("post consent prompt: %w: missing prompt id", highway.ErrMissingPrecondition)
	}

	result := ConsentResult{PromptMessageID: prompt.ID}
	stream := c.streams.Watch(prompt.ID, isConsentAction)
	defer stream.Close()

	waitCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	promptGone := false
	for session.outcome == ConsentCollecting {
		event, err := stream.Next(waitCtx)
		switch {
		case err == nil:
		case errors.Is(err, highway.ErrStreamEnded):
			session.outcome = ConsentAbandoned
			promptGone = true
			continue
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			c.logger.InfoContext(ctx, "consent session expired", "prompt_message_id", prompt.ID)
			session.outcome = ConsentAbandoned
			continue
		default:
			return result, fmt.Errorf("wait for consent: %w", err)
		}

		if err := c.dispatcher.AcknowledgeInteraction(ctx, event.Ref, highway.AckModeUpdate); err != nil {
			c.logger.WarnContext(ctx, "consent click acknowledge failed", "prompt_message_id", prompt.ID, "error", err)
		}
		if !session.apply(event) || session.outcome != ConsentCollecting {
			continue
		}
		if err := c.dispatcher.EditMessage(ctx, highway.EditMessageRequest{
			ChannelID:      request.ChannelID,
			MessageID:      prompt.ID,
			Text:           session.render(request),
			Actions:        consentActions(),
			MentionUserIDs: session.remainingIDs(),
		}); err != nil {
			return result, fmt.Errorf("update consent prompt: %w", err)
		}
	}

	result.Outcome = session.outcome
	result.Pending = session.remaining()
	metrics.ConsentSessions.WithLabelValues(string(result.Outcome)).Inc()

	if promptGone {
		return result, nil
	}
	err = c.dismiss(ctx, request, prompt.ID, result.Outcome)
	switch {
	case err == nil:
	case errors.Is(err, highway.ErrMessageNotFound):
		c.logger.InfoContext(ctx, "consent prompt already gone", "prompt_message_id", prompt.ID)
	default:
		return result, err
	}

	return result, nil
}

func (c *ConsentCoordinator) dismiss(ctx context.Context, request ConsentRequest, promptID string, outcome ConsentOutcome) error {
	if outcome == ConsentApproved {
		err := c.dispatcher.EditMessage(ctx, highway.EditMessageRequest{
			ChannelID: request.ChannelID,
			MessageID: promptID,
			Text:      fmt.Sprintf("everyone agreed, moving the messages to <#%s> :incoming_envelope:", request.DestinationChannelID),
		})
		if err != nil {
			return fmt.Errorf("close consent prompt: %w", err)
		}
		return nil
	}

	err := c.dispatcher.DeleteMessage(ctx, highway.DeleteMessageRequest{
		ChannelID: request.ChannelID,
		MessageID: promptID,
	})
	if err != nil {
		return fmt.Errorf("delete consent prompt: %w", err)
	}

	return nil
}

// consentSession is the pure state of one prompt.
type consentSession struct {
	order   []highway.Actor
	pending map[string]struct{}
	outcome ConsentOutcome
}

func newConsentSession(pending []highway.Actor) *consentSession {
	session := &consentSession{
		order:   append([]highway.Actor(nil), pending...),
		pending: make(map[string]struct{}, len(pending)),
		outcome: ConsentCollecting,
	}
	for _, author := range pending {
		session.pending[author.ID] = struct{}{}
	}
	if len(session.pending) == 0 {
		session.outcome = ConsentApproved
	}

	return session
}

// apply folds one click into the session and reports whether state changed.
// Clicks from users outside the pending set are ignored.
func (s *consentSession) apply(event ComponentEvent) bool {
	if s.outcome != ConsentCollecting {
		return false
	}
	if _, waiting := s.pending[event.Invoker.ID]; !waiting {
		return false
	}

	switch event.CustomID {
	case actionAgree:
		delete(s.pending, event.Invoker.ID)
		if len(s.pending) == 0 {
			s.outcome = ConsentApproved
		}
		return true
	case actionRefuse:
		s.outcome = ConsentRefused
		return true
	default:
		return false
	}
}

func (s *consentSession) remaining() []highway.Actor {
	remaining := make([]highway.Actor, 0, len(s.pending))
	for _, author := range s.order {
		if _, waiting := s.pending[author.ID]; waiting {
			remaining = append(remaining, author)
		}
	}

	return remaining
}

func (s *consentSession) remainingIDs() []string {
	remaining := s.remaining()
	ids := make([]string, 0, len(remaining))
	for _, author := range remaining {
		ids = append(ids, author.ID)
	}

	return ids
}

func (s *consentSession) render(request ConsentRequest) string {
	remaining := s.remaining()
	mentions := make([]string, 0, len(remaining))
	for _, author := range remaining {
		mentions = append(mentions, "<@"+author.ID+">")
	}

	return fmt.Sprintf(
		"<@%s> wants to move %d messages to <#%s>, some of them are yours\nwaiting for: %s",
		request.Initiator.ID,
		len(request.Messages),
		request.DestinationChannelID,
		strings.Join(mentions, ", "),
	)
}

func consentActions() []highway.Action {
	return []highway.Action{
		{ID: actionAgree, Label: "agree", Style: highway.ActionStyleSuccess},
		{ID: actionRefuse, Label: "refuse", Style: highway.ActionStyleDanger},
	}
}

func isConsentAction(event ComponentEvent) bool {
	return event.CustomID == actionAgree || event.CustomID == actionRefuse
}
