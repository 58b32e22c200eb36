package migration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxMessages      = 50
	defaultMaxAge           = 14 * 24 * time.Hour
	defaultSendInterval     = time.Second
	defaultConsentTimeout   = 15 * time.Minute
	defaultSelectionTimeout = 5 * time.Minute
	defaultMaxLastMessages  = 20

	// maxBulkDelete is the largest id set one bulk delete accepts.
	maxBulkDelete = 100
	// maxBulkDeleteAge is the oldest message a bulk delete accepts.
	maxBulkDeleteAge = 14 * 24 * time.Hour
)

// Config configures migration limits and pacing.
type Config struct {
	// MaxMessages caps the target set of one run.
	MaxMessages int
	// MaxAge rejects target sets holding older messages.
	MaxAge time.Duration
	// SendInterval separates consecutive replica sends.
	SendInterval time.Duration
	// ConsentTimeout bounds the wait for author approvals.
	ConsentTimeout time.Duration
	// SelectionTimeout bounds the wait for a destination pick.
	SelectionTimeout time.Duration
	// MaxLastMessages caps the count of the last-messages command.
	MaxLastMessages int
	// OperatorChannelID receives reports of failed runs. Empty disables reports.
	OperatorChannelID string
}

type fileConfig struct {
	MaxMessages       int    `json:"max_messages"`
	MaxAge            string `json:"max_age"`
	SendInterval      string `json:"send_interval"`
	ConsentTimeout    string `json:"consent_timeout"`
	SelectionTimeout  string `json:"selection_timeout"`
	MaxLastMessages   int    `json:"max_last_messages"`
	OperatorChannelID string `json:"operator_channel_id"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxMessages:      defaultMaxMessages,
		MaxAge:           defaultMaxAge,
		SendInterval:     defaultSendInterval,
		ConsentTimeout:   defaultConsentTimeout,
		SelectionTimeout: defaultSelectionTimeout,
		MaxLastMessages:  defaultMaxLastMessages,
	}
}

// ParseConfig decodes a JSON migration section over the defaults.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}

	var parsed fileConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("parse migration config: %w", err)
	}

	if parsed.MaxMessages != 0 {
		cfg.MaxMessages = parsed.MaxMessages
	}
	if parsed.MaxLastMessages != 0 {
		cfg.MaxLastMessages = parsed.MaxLastMessages
	}
	cfg.OperatorChannelID = strings.TrimSpace(parsed.OperatorChannelID)

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "max_age", raw: parsed.MaxAge, target: &cfg.MaxAge},
		{field: "send_interval", raw: parsed.SendInterval, target: &cfg.SendInterval},
		{field: "consent_timeout", raw: parsed.ConsentTimeout, target: &cfg.ConsentTimeout},
		{field: "selection_timeout", raw: parsed.SelectionTimeout, target: &cfg.SelectionTimeout},
	}
	for _, duration := range durations {
		trimmed := strings.TrimSpace(duration.raw)
		if trimmed == "" {
			continue
		}
		value, err := time.ParseDuration(trimmed)
		if err != nil {
			return Config{}, fmt.Errorf("parse migration config %s: %w", duration.field, err)
		}
		*duration.target = value
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks limits against platform constraints.
func (cfg Config) Validate() error {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > maxBulkDelete {
		return fmt.Errorf("validate migration config: max_messages must be in [1,%d]", maxBulkDelete)
	}
	if cfg.MaxAge <= 0 || cfg.MaxAge > maxBulkDeleteAge {
		return fmt.Errorf("validate migration config: max_age must be in (0,%s]", maxBulkDeleteAge)
	}
	if cfg.SendInterval < 0 {
		return fmt.Errorf("validate migration config: send_interval must be >= 0")
	}
	if cfg.ConsentTimeout <= 0 {
		return fmt.Errorf("validate migration config: consent_timeout must be > 0")
	}
	if cfg.SelectionTimeout <= 0 {
		return fmt.Errorf("validate migration config: selection_timeout must be > 0")
	}
	if cfg.MaxLastMessages <= 0 || cfg.MaxLastMessages > cfg.MaxMessages {
		return fmt.Errorf("validate migration config: max_last_messages must be in [1,max_messages]")
	}

	return nil
}
