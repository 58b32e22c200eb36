package driver

import (
	"context"
	"fmt"
	"log/slog"

	"message-highway/internal/driver/discord"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     discord.DriverType,
			Platform: discord.DriverPlatform,
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				built, err := discord.BuildRuntimeFromConfig(definition.Name, builderLogger, definition.Config)
				if err != nil {
					return Runtime{}, fmt.Errorf("build discord runtime from config: %w", err)
				}

				return Runtime{
					Name:          definition.Name,
					Platform:      discord.DriverPlatform,
					Driver:        built.Driver,
					Dispatcher:    built.Dispatcher,
					Permissions:   built.Guilds,
					Members:       built.Guilds,
					ApplicationID: built.Source.ApplicationID,
				}, nil
			},
		},
	})
}
