package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"message-highway/pkg/highway"

	"github.com/google/uuid"
)

const pickerCustomIDPrefix = "move_channel:"

// DestinationSelector resolves the channel a run moves messages to.
type DestinationSelector interface {
	SelectDestination(ctx context.Context, request Request) (string, error)
}

// pickerDispatcher is the interaction surface of the channel picker.
type pickerDispatcher interface {
	EditInteractionReply(ctx context.Context, ref highway.InteractionRef, reply highway.Reply) (*highway.OutboundMessage, error)
	AcknowledgeInteraction(ctx context.Context, ref highway.InteractionRef, mode highway.AckMode) error
}

// PickerSelector asks the invoker for a destination through a channel menu
// on the deferred reply, unless the command already named one.
type PickerSelector struct {
	dispatcher pickerDispatcher
	streams    *Streams
	timeout    time.Duration
	logger     *slog.Logger
	newID      func() string
}

// NewPickerSelector creates a picker-backed destination selector.
func NewPickerSelector(
	dispatcher pickerDispatcher,
	streams *Streams,
	timeout time.Duration,
	logger *slog.Logger,
) (*PickerSelector, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("new picker selector: nil dispatcher")
	}
	if streams == nil {
		return nil, fmt.Errorf("new picker selector: nil streams")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PickerSelector{
		dispatcher: dispatcher,
		streams:    streams,
		timeout:    timeout,
		logger:     logger,
		newID:      uuid.NewString,
	}, nil
}

// SelectDestination returns the inline destination or waits for one pick.
func (s *PickerSelector) SelectDestination(ctx context.Context, request Request) (string, error) {
	if request.DestinationChannelID != "" {
		return request.DestinationChannelID, nil
	}

	customID := pickerCustomIDPrefix + s.newID()
	reply, err := s.dispatcher.EditInteractionReply(ctx, request.Interaction, highway.Reply{
		Text: "where do you want to move the messages?",
		ChannelPicker: &highway.ChannelPicker{
			CustomID:    customID,
			Placeholder: "pick a channel",
		},
	})
	if err != nil {
		return "", fmt.Errorf("show channel picker: %w", err)
	}
	if reply == nil || reply.ID == "" {
		return "", fmt.Errorf("show channel picker: %w: missing reply id", highway.ErrMissingPrecondition)
	}

	stream := s.streams.Watch(reply.ID, func(event ComponentEvent) bool {
		return event.CustomID == customID
	})
	defer stream.Close()

	waitCtx := ctx
	cancel := func() {}
	if s.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	for {
		event, err := stream.Next(waitCtx)
		switch {
		case err == nil:
		case errors.Is(err, highway.ErrStreamEnded),
			ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			return "", explain(fmt.Errorf("wait for channel pick: %w", err), replyNoPick)
		default:
			return "", fmt.Errorf("wait for channel pick: %w", err)
		}

		if err := s.dispatcher.AcknowledgeInteraction(ctx, event.Ref, highway.AckModeUpdate); err != nil {
			s.logger.WarnContext(ctx, "channel pick acknowledge failed", "reply_message_id", reply.ID, "error", err)
		}
		if event.Invoker.ID != request.Initiator.ID || len(event.Values) == 0 || event.Values[0] == "" {
			continue
		}

		return event.Values[0], nil
	}
}
