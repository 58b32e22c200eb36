package migration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"
)

// Mode selects how the target set is assembled.
type Mode string

const (
	// ModeSingle moves exactly the triggering message.
	ModeSingle Mode = "single"
	// ModeAndBelow moves the triggering message and everything after it.
	ModeAndBelow Mode = "and_below"
	// ModeLast moves the newest cached messages of the channel.
	ModeLast Mode = "last"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeMoved     Outcome = "moved"
	OutcomeRefused   Outcome = "refused"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

const (
	sourcePermissions = highway.PermissionViewChannel |
		highway.PermissionReadMessageHistory |
		highway.PermissionManageMessages
	destinationPermissions = highway.PermissionViewChannel |
		highway.PermissionManageWebhooks
	maxWebhookUsername = 80
	unknownUsername    = "unknown user"
)

// Request is one migration invocation.
type Request struct {
	Mode        Mode
	Interaction highway.InteractionRef
	Initiator   highway.Actor
	// InitiatorPermissions are the initiator's permissions in the source channel.
	// Nil when the platform omitted member data.
	InitiatorPermissions *highway.Permissions
	GuildID              string
	SourceChannelID      string
	// Target anchors single and and-below runs.
	Target *highway.CachedMessage
	// Count sizes last-messages runs.
	Count int
	// DestinationChannelID is set when the command named the destination inline.
	DestinationChannelID string
}

// Report summarizes how far a run got.
type Report struct {
	Outcome              Outcome
	Consent              ConsentOutcome
	DestinationChannelID string
	// Total is the size of the assembled target set.
	Total      int
	Replicated int
	Skipped    int
	Deleted    int
}

// Progress receives status lines while a run advances.
type Progress func(ctx context.Context, text string)

// Dependencies are the collaborators a pipeline drives.
type Dependencies struct {
	Dispatcher  highway.Dispatcher
	Messages    highway.MessageCache
	Webhooks    highway.WebhookCache
	Permissions highway.PermissionEvaluator
	Members     highway.MemberDirectory
	Consent     *ConsentCoordinator
	Selector    DestinationSelector
	Logger      *slog.Logger
}

// PipelineOption mutates pipeline construction.
type PipelineOption func(*Pipeline)

// WithClock overrides the time source used for age checks.
func WithClock(now func() time.Time) PipelineOption {
	return func(pipeline *Pipeline) {
		if now != nil {
			pipeline.now = now
		}
	}
}

// WithSleeper overrides how the pipeline waits between sends.
func WithSleeper(sleep func(context.Context, time.Duration) error) PipelineOption {
	return func(pipeline *Pipeline) {
		if sleep != nil {
			pipeline.sleep = sleep
		}
	}
}

// Pipeline sequences one migration from destination choice to deletion.
type Pipeline struct {
	cfg         Config
	dispatcher  highway.Dispatcher
	messages    highway.MessageCache
	webhooks    highway.WebhookCache
	permissions highway.PermissionEvaluator
	members     highway.MemberDirectory
	consent     *ConsentCoordinator
	selector    DestinationSelector
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewPipeline validates cfg and deps and builds a pipeline.
func NewPipeline(cfg Config, deps Dependencies, options ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new pipeline: %w", err)
	}
	switch {
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("new pipeline: nil dispatcher")
	case deps.Messages == nil:
		return nil, fmt.Errorf("new pipeline: nil message cache")
	case deps.Webhooks == nil:
		return nil, fmt.Errorf("new pipeline: nil webhook cache")
	case deps.Permissions == nil:
		return nil, fmt.Errorf("new pipeline: nil permission evaluator")
	case deps.Consent == nil:
		return nil, fmt.Errorf("new pipeline: nil consent coordinator")
	case deps.Selector == nil:
		return nil, fmt.Errorf("new pipeline: nil destination selector")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pipeline := &Pipeline{
		cfg:         cfg,
		dispatcher:  deps.Dispatcher,
		messages:    deps.Messages,
		webhooks:    deps.Webhooks,
		permissions: deps.Permissions,
		members:     deps.Members,
		consent:     deps.Consent,
		selector:    deps.Selector,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, option := range options {
		option(pipeline)
	}

	return pipeline, nil
}

// Run executes request. The report is meaningful even when err is non-nil:
// Replicated and Deleted count effects that were applied before the failure.
func (p *Pipeline) Run(ctx context.Context, request Request, progress Progress) (report Report, err error) {
	if progress == nil {
		progress = func(context.Context, string) {}
	}
	started := p.now()
	defer func() {
		switch {
		case err != nil && isValidationError(err):
			report.Outcome = OutcomeRejected
		case err != nil:
			report.Outcome = OutcomeFailed
		}
		metrics.Migrations.WithLabelValues(string(report.Outcome)).Inc()
		metrics.MigrationDuration.Observe(p.now().Sub(started).Seconds())
	}()

	if err := p.precheck(request); err != nil {
		return report, err
	}

	destinationID, err := p.selector.SelectDestination(ctx, request)
	if err != nil {
		return report, fmt.Errorf("select destination: %w", err)
	}
	report.DestinationChannelID = destinationID
	progress(ctx, replyNoted)

	destination, err := p.validate(ctx, request, destinationID)
	if err != nil {
		return report, err
	}

	targets, err := p.assemble(ctx, request)
	if err != nil {
		return report, err
	}
	report.Total = len(targets)
	progress(ctx, vehicleFor(len(targets)))

	consent, err := p.consent.Run(ctx, ConsentRequest{
		ChannelID:            request.SourceChannelID,
		DestinationChannelID: destinationID,
		Initiator:            request.Initiator,
		Override:             request.InitiatorPermissions.Has(highway.PermissionManageMessages),
		Messages:             targets,
	})
	report.Consent = consent.Outcome
	if err != nil {
		return report, fmt.Errorf("consent: %w", err)
	}
	switch consent.Outcome {
	case ConsentRefused:
		report.Outcome = OutcomeRefused
		return report, nil
	case ConsentAbandoned:
		report.Outcome = OutcomeAbandoned
		return report, nil
	}

	moved, err := p.replicate(ctx, request.GuildID, destination, targets, &report)
	if err != nil {
		return report, fmt.Errorf("replicate: %w", err)
	}
	if err := p.deleteOriginals(ctx, request.SourceChannelID, moved); err != nil {
		return report, fmt.Errorf("delete originals: %w", err)
	}
	report.Deleted = len(moved)
	report.Outcome = OutcomeMoved

	p.logger.InfoContext(ctx, "migration finished",
		"source_channel_id", request.SourceChannelID,
		"destination_channel_id", destinationID,
		"initiator_id", request.Initiator.ID,
		"replicated", report.Replicated,
		"skipped", report.Skipped,
		"consent", report.Consent,
	)

	return report, nil
}

// precheck rejects requests that fail without any round trip, before the
// invoker is asked for a destination.
func (p *Pipeline) precheck(request Request) error {
	if request.InitiatorPermissions == nil || request.GuildID == "" {
		return explain(fmt.Errorf("%w: invocation outside a server", highway.ErrMissingPrecondition), replyNotInGuild)
	}
	if request.SourceChannelID == "" {
		return fmt.Errorf("%w: missing source channel", highway.ErrMissingPrecondition)
	}

	switch request.Mode {
	case ModeSingle, ModeAndBelow:
		if request.Target == nil {
			return fmt.Errorf("%w: %s run without target message", highway.ErrMissingPrecondition, request.Mode)
		}
		if p.tooOld(*request.Target) {
			return p.tooOldError(request.Target.ID)
		}
	case ModeLast:
		if request.Count < 1 || request.Count > p.cfg.MaxLastMessages {
			return explain(
				fmt.Errorf("%w: count %d outside [1,%d]", highway.ErrLimitExceeded, request.Count, p.cfg.MaxLastMessages),
				fmt.Sprintf(replyLastCount, p.cfg.MaxLastMessages),
			)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", highway.ErrMissingPrecondition, request.Mode)
	}

	return nil
}

// validate checks the destination shape and the permissions of the engine
// and the initiator. Nothing is mutated before it passes.
func (p *Pipeline) validate(ctx context.Context, request Request, destinationID string) (highway.ChannelInfo, error) {
	if destinationID == request.SourceChannelID {
		return highway.ChannelInfo{}, explain(fmt.Errorf("%w: destination equals source", ErrInvalidDestination), replySameChannel)
	}

	destination, err := p.permissions.ResolveChannel(ctx, destinationID)
	if err != nil {
		return highway.ChannelInfo{}, fmt.Errorf("resolve destination %s: %w", destinationID, err)
	}
	if destination.Kind == highway.ChannelKindOther {
		return highway.ChannelInfo{}, explain(fmt.Errorf("%w: channel kind %s", ErrInvalidDestination, destination.Kind), replyChannelKind)
	}
	if destination.GuildID != "" && destination.GuildID != request.GuildID {
		return highway.ChannelInfo{}, explain(fmt.Errorf("%w: destination in guild %s", ErrInvalidDestination, destination.GuildID), replyOtherGuild)
	}
	if destination.IsThread() && destination.ParentID == "" {
		return highway.ChannelInfo{}, fmt.Errorf("resolve destination %s: %w: thread without parent", destinationID, highway.ErrMissingPrecondition)
	}

	sourceGranted, err := p.permissions.EnginePermissions(ctx, request.SourceChannelID)
	if err != nil {
		return highway.ChannelInfo{}, fmt.Errorf("engine permissions in source: %w", err)
	}
	destinationGranted, err := p.permissions.EnginePermissions(ctx, destination.ID)
	if err != nil {
		return highway.ChannelInfo{}, fmt.Errorf("engine permissions in destination: %w", err)
	}
	if missing := sourceGranted.Missing(sourcePermissions) | destinationGranted.Missing(destinationPermissions); missing != 0 {
		return highway.ChannelInfo{}, &MissingPermissionsError{Missing: missing}
	}

	required := highway.PermissionSendMessages
	if destination.IsThread() {
		required = highway.PermissionSendMessagesInThreads
	}
	initiatorGranted, err := p.permissions.MemberPermissions(ctx, request.GuildID, request.Initiator.ID, destination.ID)
	if err != nil {
		return highway.ChannelInfo{}, fmt.Errorf("initiator permissions in destination: %w", err)
	}
	if !initiatorGranted.Has(required) {
		return highway.ChannelInfo{}, explain(
			fmt.Errorf("%w: initiator cannot send in destination", highway.ErrPermissionDenied),
			replySendMessages,
		)
	}

	return destination, nil
}

// assemble builds the oldest-first target set and enforces the ceilings.
func (p *Pipeline) assemble(ctx context.Context, request Request) ([]highway.CachedMessage, error) {
	var targets []highway.CachedMessage

	switch request.Mode {
	case ModeSingle:
		targets = []highway.CachedMessage{request.Target.Clone()}
	case ModeAndBelow:
		anchor := request.Target.Clone()
		fetched, err := p.dispatcher.FetchMessagesAfter(ctx, highway.FetchMessagesRequest{
			ChannelID: request.SourceChannelID,
			AfterID:   anchor.ID,
			Limit:     p.cfg.MaxMessages,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch messages after %s: %w", anchor.ID, err)
		}
		if 1+len(fetched) > p.cfg.MaxMessages {
			return nil, p.tooManyError()
		}
		targets = append([]highway.CachedMessage{anchor}, fetched...)
	case ModeLast:
		window, found := p.messages.Query(request.SourceChannelID, request.Count)
		if !found {
			return nil, explain(fmt.Errorf("%w: no window for channel %s", highway.ErrMissingPrecondition, request.SourceChannelID), replyNoWindow)
		}
		slices.Reverse(window)
		targets = window
	}

	if len(targets) > p.cfg.MaxMessages {
		return nil, p.tooManyError()
	}

	movable := 0
	for _, message := range targets {
		if p.tooOld(message) {
			return nil, p.tooOldError(message.ID)
		}
		if message.FromWebhook {
			continue
		}
		if !message.Content.Representable() {
			return nil, explain(
				fmt.Errorf("%w: message %s: %s", highway.ErrUnrepresentableMessage, message.ID, message.Content.Reason),
				fmt.Sprintf(replyUnsupported, message.Content.Reason),
			)
		}
		if utf8.RuneCountInString(message.Content.Text) > highway.MaxMessageLength {
			return nil, explain(
				fmt.Errorf("%w: message %s longer than %d characters", highway.ErrUnrepresentableMessage, message.ID, highway.MaxMessageLength),
				replyTooLong,
			)
		}
		if !isEmpty(message) {
			movable++
		}
	}
	if movable == 0 {
		return nil, explain(ErrNothingToMove, replyNothingToMove)
	}

	return targets, nil
}

// replicate posts targets oldest-first through the destination webhook and
// returns the ids it replayed.
func (p *Pipeline) replicate(
	ctx context.Context,
	guildID string,
	destination highway.ChannelInfo,
	targets []highway.CachedMessage,
	report *Report,
) ([]string, error) {
	identity, err := p.webhooks.GetOrCreate(ctx, destination.EndpointChannelID())
	if err != nil {
		return nil, fmt.Errorf("webhook for %s: %w", destination.EndpointChannelID(), err)
	}
	threadID := ""
	if destination.IsThread() {
		threadID = destination.ID
	}

	profiles := make(map[string]memberLookup)
	moved := make([]string, 0, len(targets))
	for _, message := range targets {
		if message.FromWebhook || isEmpty(message) {
			report.Skipped++
			continue
		}
		if len(moved) > 0 && p.cfg.SendInterval > 0 {
			if err := p.sleep(ctx, p.cfg.SendInterval); err != nil {
				return moved, err
			}
		}

		username, avatarURL := p.displayIdentity(ctx, guildID, message, profiles)
		err := p.dispatcher.ExecuteWebhook(ctx, highway.ExecuteWebhookRequest{
			Webhook:     identity,
			ThreadID:    threadID,
			Text:        message.Content.Text,
			Embeds:      message.Content.Embeds,
			Attachments: message.Attachments,
			Username:    username,
			AvatarURL:   avatarURL,
		})
		if err != nil {
			return moved, fmt.Errorf("replay message %s: %w", message.ID, err)
		}

		moved = append(moved, message.ID)
		report.Replicated++
		metrics.MessagesReplicated.Inc()
	}

	return moved, nil
}

type memberLookup struct {
	profile highway.MemberProfile
	found   bool
}

// displayIdentity applies the precedence server nickname and avatar, then
// account name and avatar, then platform default. Snapshots without member
// data consult the member directory once per author.
func (p *Pipeline) displayIdentity(
	ctx context.Context,
	guildID string,
	message highway.CachedMessage,
	profiles map[string]memberLookup,
) (string, string) {
	if message.Author.Nick == "" && message.Author.MemberAvatarURL == "" && p.members != nil && guildID != "" {
		lookup, cached := profiles[message.Author.ID]
		if !cached {
			profile, found, err := p.members.Member(ctx, guildID, message.Author.ID)
			if err != nil {
				p.logger.WarnContext(ctx, "member profile lookup failed",
					"guild_id", guildID,
					"user_id", message.Author.ID,
					"error", err,
				)
			}
			lookup = memberLookup{profile: profile, found: found && err == nil}
			profiles[message.Author.ID] = lookup
		}
		if lookup.found {
			message.Author.Nick = lookup.profile.Nick
			message.Author.MemberAvatarURL = lookup.profile.AvatarURL
		}
	}

	username := message.DisplayName()
	if username == "" {
		username = unknownUsername
	}
	if utf8.RuneCountInString(username) > maxWebhookUsername {
		username = string([]rune(username)[:maxWebhookUsername])
	}

	return username, message.AvatarRef()
}

// deleteOriginals removes replayed messages. One message uses the single
// delete call; bulk delete rejects sets smaller than two.
func (p *Pipeline) deleteOriginals(ctx context.Context, channelID string, messageIDs []string) error {
	switch len(messageIDs) {
	case 0:
		return nil
	case 1:
		return p.dispatcher.DeleteMessage(ctx, highway.DeleteMessageRequest{
			ChannelID: channelID,
			MessageID: messageIDs[0],
		})
	default:
		return p.dispatcher.BulkDeleteMessages(ctx, highway.BulkDeleteRequest{
			ChannelID:  channelID,
			MessageIDs: messageIDs,
		})
	}
}

func (p *Pipeline) tooOld(message highway.CachedMessage) bool {
	return !message.CreatedAt.IsZero() && p.now().Sub(message.CreatedAt) > p.cfg.MaxAge
}

func (p *Pipeline) tooOldError(messageID string) error {
	return explain(
		fmt.Errorf("%w: message %s older than %s", highway.ErrLimitExceeded, messageID, p.cfg.MaxAge),
		fmt.Sprintf(replyTooOld, int(p.cfg.MaxAge/(24*time.Hour))),
	)
}

func (p *Pipeline) tooManyError() error {
	return explain(
		fmt.Errorf("%w: more than %d messages", highway.ErrLimitExceeded, p.cfg.MaxMessages),
		fmt.Sprintf(replyTooMany, p.cfg.MaxMessages),
	)
}

func isEmpty(message highway.CachedMessage) bool {
	return message.Content.Empty() && len(message.Attachments) == 0
}

// vehicleFor names the progress line by batch size.
func vehicleFor(count int) string {
	switch {
	case count <= 1:
		return "starting up the bike :motor_scooter:"
	case count <= 10:
		return "starting up the car :red_car:"
	case count <= 20:
		return "starting up the truck :pickup_truck:"
	case count <= 30:
		return "starting up the truck :truck:"
	case count <= 40:
		return "starting up the lorry :articulated_lorry:"
	default:
		return "starting up the ship :ship:"
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
