package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"message-highway/pkg/highway"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the stable configured driver instance identifier.
	Name string
	// Type identifies which builder should construct this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores driver-type-specific JSON payload.
	Config []byte
}

// Runtime contains one fully built driver runtime instance.
type Runtime struct {
	// Name is the configured instance name, stamped on every published event.
	Name string
	// Platform is the neutral platform served by Driver.
	Platform highway.Platform
	// Driver is the inbound runtime implementation registered with kernel.
	Driver highway.Driver
	// Dispatcher adapts outbound operations for this runtime.
	Dispatcher highway.Dispatcher
	// Permissions resolves channels and effective permissions.
	Permissions highway.PermissionEvaluator
	// Members resolves per-server display overrides.
	Members highway.MemberDirectory
	// ApplicationID reports the bot application once the session is ready.
	ApplicationID func() string
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor binds one driver type token to platform metadata and a runtime builder.
type Descriptor struct {
	// Type is the driver type token from configuration (for example "discord").
	Type string
	// Platform is the neutral platform for this driver type.
	Platform highway.Platform
	// Builder constructs one runtime instance for this driver type.
	Builder BuilderFunc
}

type registryEntry struct {
	platform highway.Platform
	builder  BuilderFunc
}

// Registry maps driver types to runtime builders and type-level platform metadata.
type Registry struct {
	entries map[string]registryEntry
	types   []string
}

// NewRegistry creates one immutable driver registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	entries := make(map[string]registryEntry, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Platform == "" {
			return nil, fmt.Errorf("new registry type %s: empty platform", descriptor.Type)
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := entries[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		entries[descriptor.Type] = registryEntry{
			platform: descriptor.Platform,
			builder:  descriptor.Builder,
		}
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		entries: entries,
		types:   types,
	}, nil
}

// Types returns all registered driver types in deterministic sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// PlatformForType resolves one registered driver type to its neutral platform.
func (r *Registry) PlatformForType(driverType string) (highway.Platform, error) {
	if r == nil {
		return "", fmt.Errorf("resolve platform: nil registry")
	}

	entry, exists := r.entries[driverType]
	if !exists {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return entry.platform, nil
}

// BuildEnabled builds all enabled driver definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}

	runtimes := make([]Runtime, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build driver %s: empty type", definition.Name)
		}

		entry, exists := r.entries[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build driver %s type %s: unsupported type", definition.Name, definition.Type)
		}

		runtime, err := entry.builder(ctx, definition, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
		}
		if runtime.Driver == nil {
			return nil, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
		}
		if runtime.Name == "" {
			runtime.Name = definition.Name
		}
		if runtime.Platform == "" {
			runtime.Platform = entry.platform
		}

		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

// Primary returns the single runtime that serves outbound calls.
//
// Webhook tokens and interaction tokens are bound to the bot session that
// created them, so the engine runs against exactly one outbound-capable runtime.
func Primary(runtimes []Runtime) (Runtime, error) {
	var primary *Runtime
	for idx := range runtimes {
		runtime := &runtimes[idx]
		if runtime.Dispatcher == nil {
			continue
		}
		if primary != nil {
			return Runtime{}, fmt.Errorf("primary runtime: both %s and %s provide a dispatcher", primary.Name, runtime.Name)
		}
		primary = runtime
	}
	if primary == nil {
		return Runtime{}, fmt.Errorf("primary runtime: no enabled driver provides a dispatcher")
	}
	if primary.Permissions == nil {
		return Runtime{}, fmt.Errorf("primary runtime %s: nil permission evaluator", primary.Name)
	}
	if primary.Members == nil {
		return Runtime{}, fmt.Errorf("primary runtime %s: nil member directory", primary.Name)
	}
	if primary.ApplicationID == nil {
		primary.ApplicationID = func() string { return "" }
	}

	return *primary, nil
}
