package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// TokenEnv is consulted when the driver config carries no token.
	TokenEnv = "DISCORD_BOT_TOKEN"

	defaultRuntimePublishTimeout = 2 * time.Second
	defaultRuntimeRequestTimeout = 10 * time.Second
	defaultRuntimeUpdateBuffer   = 256
)

// Intents are the gateway intents the engine subscribes to. Message content is
// privileged and must be enabled for the application.
const Intents = discordgo.IntentGuilds |
	discordgo.IntentGuildMessages |
	discordgo.IntentGuildWebhooks |
	discordgo.IntentMessageContent

type runtimeConfig struct {
	Token              string   `json:"token"`
	PublishTimeout     string   `json:"publish_timeout"`
	RequestTimeout     string   `json:"request_timeout"`
	UpdateBuffer       int      `json:"update_buffer"`
	GuildIDs           []string `json:"guild_ids"`
	MaxAttachmentBytes int64    `json:"max_attachment_bytes"`
}

type parsedRuntimeConfig struct {
	token              string
	publishTimeout     time.Duration
	requestTimeout     time.Duration
	updateBuffer       int
	guildIDs           []string
	maxAttachmentBytes int64
}

// Runtime is one fully wired Discord bot session.
type Runtime struct {
	Driver     *Driver
	Dispatcher *Dispatcher
	Guilds     *Guilds
	Source     *GatewaySource
}

// BuildRuntimeFromConfig builds one Discord driver runtime from a config payload.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (Runtime, error) {
	cfg, err := parseRuntimeConfig(rawConfig, os.Getenv)
	if err != nil {
		return Runtime{}, fmt.Errorf("parse discord runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.token)
	if err != nil {
		return Runtime{}, fmt.Errorf("new discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.SyncEvents = true

	registrar := sessionCommandRegistrar{session: session}
	source, err := NewGatewaySource(
		session,
		cfg.updateBuffer,
		WithSourceLogger(logger),
		WithReadyHook(func(ctx context.Context, applicationID string) error {
			return RegisterCommands(ctx, registrar, applicationID, cfg.guildIDs)
		}),
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("new discord gateway source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithGuildAllowlist(cfg.guildIDs),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "discord driver async error", "driver", name, "error", err)
		}),
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("new discord driver: %w", err)
	}

	dispatcher, err := NewDispatcher(
		session,
		WithOutboundTimeout(cfg.requestTimeout),
		WithOutboundLogger(logger),
		WithMaxAttachmentBytes(cfg.maxAttachmentBytes),
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("new discord dispatcher: %w", err)
	}

	guilds, err := NewGuilds(session)
	if err != nil {
		return Runtime{}, fmt.Errorf("new discord guilds: %w", err)
	}

	return Runtime{
		Driver:     driver,
		Dispatcher: dispatcher,
		Guilds:     guilds,
		Source:     source,
	}, nil
}

func parseRuntimeConfig(raw []byte, getenv func(string) string) (parsedRuntimeConfig, error) {
	var parsed runtimeConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
		}
	}

	cfg := parsedRuntimeConfig{
		token:              strings.TrimSpace(parsed.Token),
		publishTimeout:     defaultRuntimePublishTimeout,
		requestTimeout:     defaultRuntimeRequestTimeout,
		updateBuffer:       parsed.UpdateBuffer,
		maxAttachmentBytes: parsed.MaxAttachmentBytes,
	}
	if cfg.token == "" && getenv != nil {
		cfg.token = strings.TrimSpace(getenv(TokenEnv))
	}
	cfg.token = strings.TrimPrefix(cfg.token, "Bot ")
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultRuntimeUpdateBuffer
	}
	if cfg.maxAttachmentBytes <= 0 {
		cfg.maxAttachmentBytes = defaultMaxAttachmentBytes
	}
	for _, guildID := range parsed.GuildIDs {
		if trimmed := strings.TrimSpace(guildID); trimmed != "" {
			cfg.guildIDs = append(cfg.guildIDs, trimmed)
		}
	}

	var err error
	if cfg.publishTimeout, err = parsePositiveDuration("publish_timeout", parsed.PublishTimeout, cfg.publishTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}
	if cfg.requestTimeout, err = parsePositiveDuration("request_timeout", parsed.RequestTimeout, cfg.requestTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}

	if cfg.token == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("token is required (config or %s)", TokenEnv)
	}

	return cfg, nil
}

func parsePositiveDuration(field string, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
