package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"message-highway/pkg/highway"
)

// replyTimeout bounds the final reply when the run context is already gone.
const replyTimeout = 5 * time.Second

// Option mutates migration module construction.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithPipelineOptions forwards options to the pipeline built at registration.
func WithPipelineOptions(options ...PipelineOption) Option {
	return func(module *Module) {
		module.pipelineOptions = append(module.pipelineOptions, options...)
	}
}

// Module answers migration commands and routes their component clicks.
//
// Each command runs on its own goroutine since consent can wait for minutes;
// runs are canceled on shutdown.
type Module struct {
	cfg             Config
	logger          *slog.Logger
	dispatcher      highway.Dispatcher
	streams         *Streams
	pipeline        *Pipeline
	pipelineOptions []PipelineOption

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	closing bool
	runs    sync.WaitGroup
}

// New creates a migration module.
func New(cfg Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new migration module: %w", err)
	}

	module := &Module{
		cfg:     cfg,
		logger:  slog.Default(),
		streams: NewStreams(),
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "migration"
}

// Spec declares command, component and prompt-deletion handlers.
func (m *Module) Spec() highway.ModuleSpec {
	promptWatch := highway.NewDefaultSubscriptionSpec("migration-prompt-watch")
	promptWatch.Backpressure = highway.BackpressureDropOldest

	return highway.ModuleSpec{
		Handlers: []highway.ModuleHandler{
			{
				Capability: highway.Capability{
					Name:        "migration-commands",
					Description: "moves messages between channels on move commands",
					Interest: highway.InterestSet{
						Kinds: []highway.EventKind{highway.EventKindInteractionCommand},
					},
					RequiredServices: []string{
						highway.ServiceDispatcher,
						highway.ServiceMessageCache,
						highway.ServiceWebhookCache,
						highway.ServicePermissionEvaluator,
						highway.ServiceMemberDirectory,
					},
				},
				Subscription: highway.NewDefaultSubscriptionSpec("migration-commands"),
				Handler:      m.handleCommand,
			},
			{
				Capability: highway.Capability{
					Name:        "migration-components",
					Description: "routes consent clicks and channel picks to waiting runs",
					Interest: highway.InterestSet{
						Kinds: []highway.EventKind{highway.EventKindInteractionComponent},
					},
					RequiredServices: []string{highway.ServiceDispatcher},
				},
				Subscription: highway.NewDefaultSubscriptionSpec("migration-components"),
				Handler:      m.handleComponent,
			},
			{
				Capability: highway.Capability{
					Name:        "migration-prompt-watch",
					Description: "ends consent sessions whose prompt was deleted",
					Interest: highway.InterestSet{
						Kinds: []highway.EventKind{
							highway.EventKindMessageDeleted,
							highway.EventKindMessageBulkDeleted,
						},
					},
				},
				Subscription: promptWatch,
				Handler:      m.handleDeletion,
			},
		},
	}
}

// OnRegister resolves collaborators and builds the pipeline.
func (m *Module) OnRegister(_ context.Context, runtime highway.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := highway.ResolveAs[*slog.Logger](services, highway.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, highway.ErrServiceNotFound):
	default:
		return fmt.Errorf("migration resolve logger: %w", err)
	}

	dispatcher, err := highway.ResolveAs[highway.Dispatcher](services, highway.ServiceDispatcher)
	if err != nil {
		return fmt.Errorf("migration resolve dispatcher: %w", err)
	}
	messages, err := highway.ResolveAs[highway.MessageCache](services, highway.ServiceMessageCache)
	if err != nil {
		return fmt.Errorf("migration resolve message cache: %w", err)
	}
	webhooks, err := highway.ResolveAs[highway.WebhookCache](services, highway.ServiceWebhookCache)
	if err != nil {
		return fmt.Errorf("migration resolve webhook cache: %w", err)
	}
	permissions, err := highway.ResolveAs[highway.PermissionEvaluator](services, highway.ServicePermissionEvaluator)
	if err != nil {
		return fmt.Errorf("migration resolve permission evaluator: %w", err)
	}
	members, err := highway.ResolveAs[highway.MemberDirectory](services, highway.ServiceMemberDirectory)
	if err != nil {
		return fmt.Errorf("migration resolve member directory: %w", err)
	}

	consent, err := NewConsentCoordinator(dispatcher, m.streams, m.cfg.ConsentTimeout, m.logger)
	if err != nil {
		return fmt.Errorf("migration build consent: %w", err)
	}
	selector, err := NewPickerSelector(dispatcher, m.streams, m.cfg.SelectionTimeout, m.logger)
	if err != nil {
		return fmt.Errorf("migration build selector: %w", err)
	}
	pipeline, err := NewPipeline(m.cfg, Dependencies{
		Dispatcher:  dispatcher,
		Messages:    messages,
		Webhooks:    webhooks,
		Permissions: permissions,
		Members:     members,
		Consent:     consent,
		Selector:    selector,
		Logger:      m.logger,
	}, m.pipelineOptions...)
	if err != nil {
		return fmt.Errorf("migration build pipeline: %w", err)
	}

	m.dispatcher = dispatcher
	m.pipeline = pipeline

	return nil
}

// OnStart opens the context runs execute under.
func (m *Module) OnStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pipeline == nil {
		return fmt.Errorf("migration start: %w: module not registered", highway.ErrMissingPrecondition)
	}
	if m.runCtx != nil {
		return fmt.Errorf("migration start: already started")
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.closing = false

	m.logger.InfoContext(ctx, "migration module started",
		"module", m.Name(),
		"max_messages", m.cfg.MaxMessages,
		"consent_timeout", m.cfg.ConsentTimeout,
	)

	return nil
}

// OnShutdown cancels in-flight runs and waits for them to return.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	cancel := m.cancel
	m.runCtx = nil
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migration shutdown: %w", ctx.Err())
	}
}

func (m *Module) handleCommand(ctx context.Context, event *highway.Event) error {
	request, ok := requestFromEvent(event)
	if !ok {
		m.logger.DebugContext(ctx, "migration ignored command", "event_id", event.ID)
		return nil
	}

	m.mu.Lock()
	if m.closing || m.runCtx == nil {
		m.mu.Unlock()
		return fmt.Errorf("migration command %s: %w", event.ID, highway.ErrSubscriptionClosed)
	}
	runCtx := m.runCtx
	m.runs.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.runs.Done()
		m.run(runCtx, request)
	}()

	return nil
}

// run answers one command end to end. Failures are reported to the invoker
// and never returned.
func (m *Module) run(ctx context.Context, request Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.ErrorContext(ctx, "migration run panic", "interaction_id", request.Interaction.ID, "panic", recovered)
		}
	}()

	if err := m.dispatcher.AcknowledgeInteraction(ctx, request.Interaction, highway.AckModeEphemeralReply); err != nil {
		m.logger.ErrorContext(ctx, "migration acknowledge failed", "interaction_id", request.Interaction.ID, "error", err)
		return
	}

	report, err := m.pipeline.Run(ctx, request, m.progressFor(request.Interaction))
	if err != nil {
		level := slog.LevelError
		if isValidationError(err) {
			level = slog.LevelInfo
		}
		m.logger.Log(ctx, level, "migration stopped",
			"interaction_id", request.Interaction.ID,
			"source_channel_id", request.SourceChannelID,
			"outcome", report.Outcome,
			"replicated", report.Replicated,
			"total", report.Total,
			"error", err,
		)
	}

	replyCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		replyCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
		defer cancel()
	}
	if _, replyErr := m.dispatcher.EditInteractionReply(replyCtx, request.Interaction, highway.Reply{
		Text: ReplyFor(report, err),
	}); replyErr != nil {
		m.logger.WarnContext(ctx, "migration reply failed", "interaction_id", request.Interaction.ID, "error", replyErr)
	}

	if err != nil && report.Outcome == OutcomeFailed {
		m.notifyOperator(replyCtx, request, report, err)
	}
}

func (m *Module) progressFor(ref highway.InteractionRef) Progress {
	return func(ctx context.Context, text string) {
		if _, err := m.dispatcher.EditInteractionReply(ctx, ref, highway.Reply{Text: text}); err != nil {
			m.logger.WarnContext(ctx, "migration progress reply failed", "interaction_id", ref.ID, "error", err)
		}
	}
}

// notifyOperator posts a failure report to the operator channel.
func (m *Module) notifyOperator(ctx context.Context, request Request, report Report, cause error) {
	if m.cfg.OperatorChannelID == "" {
		return
	}

	text := fmt.Sprintf(
		"migration from <#%s> to <#%s> by <@%s> failed after moving %d of %d messages: %v",
		request.SourceChannelID,
		report.DestinationChannelID,
		request.Initiator.ID,
		report.Replicated,
		report.Total,
		cause,
	)
	if utf8.RuneCountInString(text) > highway.MaxMessageLength {
		text = string([]rune(text)[:highway.MaxMessageLength])
	}

	if _, err := m.dispatcher.SendMessage(ctx, highway.SendMessageRequest{
		ChannelID: m.cfg.OperatorChannelID,
		Text:      text,
	}); err != nil {
		m.logger.WarnContext(ctx, "operator notification failed", "channel_id", m.cfg.OperatorChannelID, "error", err)
	}
}

func (m *Module) handleComponent(ctx context.Context, event *highway.Event) error {
	interaction := event.Interaction
	component := interaction.Component

	delivered := m.streams.Dispatch(component.MessageID, ComponentEvent{
		Ref:      interaction.Ref,
		Invoker:  interaction.Invoker,
		CustomID: component.CustomID,
		Values:   append([]string(nil), component.Values...),
	})
	if delivered {
		return nil
	}

	// Stale buttons still need an answer or the client shows a failure.
	if err := m.dispatcher.AcknowledgeInteraction(ctx, interaction.Ref, highway.AckModeUpdate); err != nil {
		return fmt.Errorf("acknowledge stale component %s: %w", component.CustomID, err)
	}

	return nil
}

func (m *Module) handleDeletion(_ context.Context, event *highway.Event) error {
	m.streams.End(event.Deletion.MessageIDs...)
	return nil
}

// requestFromEvent maps a command interaction to a run request.
func requestFromEvent(event *highway.Event) (Request, bool) {
	interaction := event.Interaction
	command := interaction.Command

	request := Request{
		Interaction:          interaction.Ref,
		Initiator:            interaction.Invoker,
		InitiatorPermissions: interaction.InvokerPermissions,
		GuildID:              event.GuildID,
		SourceChannelID:      event.ChannelID,
		DestinationChannelID: command.DestinationChannelID,
	}

	switch command.Name {
	case highway.CommandMoveMessage:
		request.Mode = ModeSingle
	case highway.CommandMoveMessageAndBelow:
		request.Mode = ModeAndBelow
	case highway.CommandMoveLastMessages:
		request.Mode = ModeLast
		request.Count = command.Count
		return request, true
	default:
		return Request{}, false
	}

	if command.Target != nil {
		target := command.Target.Clone()
		request.Target = &target
		if target.ChannelID != "" {
			request.SourceChannelID = target.ChannelID
		}
	}

	return request, true
}
