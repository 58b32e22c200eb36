package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"message-highway/pkg/highway"
)

// driverSink is the EventSink one driver publishes into.
type driverSink struct {
	driverName string
	base       highway.EventSink
	logger     *slog.Logger
}

func newDriverSink(driverName string, base highway.EventSink, logger *slog.Logger) *driverSink {
	return &driverSink{driverName: driverName, base: base, logger: logger}
}

// Publish stamps the driver name as source when missing and forwards to the bus.
func (s *driverSink) Publish(ctx context.Context, event *highway.Event) error {
	if event == nil {
		return fmt.Errorf("publish from driver %s: nil event", s.driverName)
	}
	if event.Source == "" {
		event.Source = s.driverName
	}

	if err := s.base.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "driver event rejected",
			"driver", s.driverName,
			"event_id", event.ID,
			"event_kind", event.Kind,
			"error", err,
		)
		return fmt.Errorf("publish from driver %s: %w", s.driverName, err)
	}

	return nil
}
