package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"message-highway/pkg/highway"
	"message-highway/services/metrics"
)

const defaultPublishTimeout = 2 * time.Second

// DriverOption mutates Discord driver configuration.
type DriverOption func(*Driver)

// WithName sets the driver instance name stamped on every event as its source.
func WithName(name string) DriverOption {
	return func(driver *Driver) {
		if name = strings.TrimSpace(name); name != "" {
			driver.name = name
		}
	}
}

// WithPublishTimeout bounds how long one event may wait on the kernel sink.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(driver *Driver) {
		if timeout > 0 {
			driver.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives decode failures.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(driver *Driver) {
		if handler != nil {
			driver.reportError = handler
		}
	}
}

// WithGuildAllowlist drops updates from guilds outside ids. An empty list admits every guild.
func WithGuildAllowlist(ids []string) DriverOption {
	return func(driver *Driver) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				if driver.guilds == nil {
					driver.guilds = make(map[string]struct{}, len(ids))
				}
				driver.guilds[id] = struct{}{}
			}
		}
	}
}

// Driver turns gateway updates into highway events and hands them to the kernel.
type Driver struct {
	name           string
	source         UpdateSource
	decoder        Decoder
	guilds         map[string]struct{}
	publishTimeout time.Duration
	reportError    func(context.Context, error)
}

// NewDriver creates a Discord driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new discord driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new discord driver: nil decoder")
	}

	driver := &Driver{
		name:           DriverType,
		source:         source,
		decoder:        decoder,
		publishTimeout: defaultPublishTimeout,
		reportError:    func(context.Context, error) {},
	}
	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

// Name returns the driver instance name.
func (d *Driver) Name() string {
	return d.name
}

// Start blocks consuming gateway updates until ctx ends or the source fails.
func (d *Driver) Start(ctx context.Context, sink highway.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start discord driver %s: nil sink", d.name)
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		return d.handleUpdate(updateCtx, update, sink)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("start discord driver %s: consume updates: %w", d.name, err)
	}
}

// Shutdown is a no-op; the gateway session is closed by the source when Start's context ends.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}

func (d *Driver) handleUpdate(ctx context.Context, update Update, sink highway.EventSink) error {
	if !d.admitsGuild(update.GuildID) {
		countUpdate(update, "filtered")
		return nil
	}

	event, err := d.decodeSafely(ctx, update)
	if err != nil {
		countUpdate(update, "failed")
		d.reportError(ctx, err)
		return fmt.Errorf("handle update %s: %w", update.Type, err)
	}
	if event == nil {
		countUpdate(update, "ignored")
		return nil
	}

	event.Platform = DriverPlatform
	event.Source = d.name
	if err := d.publish(ctx, sink, event); err != nil {
		countUpdate(update, "dropped")
		return fmt.Errorf("handle update %s publish: %w", update.Type, err)
	}
	countUpdate(update, "published")

	return nil
}

func (d *Driver) admitsGuild(guildID string) bool {
	if len(d.guilds) == 0 {
		return true
	}
	_, ok := d.guilds[guildID]
	return ok
}

func (d *Driver) publish(ctx context.Context, sink highway.EventSink, event *highway.Event) error {
	if d.publishTimeout <= 0 {
		return sink.Publish(ctx, event)
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return sink.Publish(publishCtx, event)
}

// decodeSafely converts decoder panics into errors.
func (d *Driver) decodeSafely(ctx context.Context, update Update) (decoded *highway.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			decoded = nil
			err = fmt.Errorf("decode discord update %s panic: %v", update.Type, recovered)
		}
	}()

	decoded, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode discord update %s: %w", update.Type, err)
	}

	return decoded, nil
}

func countUpdate(update Update, result string) {
	metrics.DriverUpdates.WithLabelValues(string(update.Type), result).Inc()
}
