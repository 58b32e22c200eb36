package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"message-highway/internal/driver"
	"message-highway/internal/kernel"
	"message-highway/internal/ops"
	"message-highway/modules/eventsync"
	"message-highway/modules/migration"
	"message-highway/pkg/highway"
	"message-highway/services/cache"
)

const (
	envConfigFile             = "HIGHWAY_CONFIG_FILE"
	defaultConfigFilePath     = "config/highway.json"
	alternateConfigFilePath   = "bin/config/highway.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers   []driver.Definition
	migration migration.Config

	cacheWindowCapacity int
	cacheShards         int
	webhookShards       int
	syncShards          int
	syncShardQueue      int

	opsListenAddr string
}

type fileConfig struct {
	LogLevel  string            `json:"log_level"`
	Kernel    fileKernelConfig  `json:"kernel"`
	Drivers   []fileDriverEntry `json:"drivers"`
	Migration json.RawMessage   `json:"migration"`
	Cache     fileCacheConfig   `json:"cache"`
	EventSync fileSyncConfig    `json:"event_sync"`
	Ops       fileOpsConfig     `json:"ops"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileCacheConfig struct {
	WindowCapacity *int `json:"window_capacity"`
	Shards         *int `json:"shards"`
	WebhookShards  *int `json:"webhook_shards"`
}

type fileSyncConfig struct {
	Shards     *int `json:"shards"`
	ShardQueue *int `json:"shard_queue"`
}

type fileOpsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// envOverrides are applied on top of the config file.
type envOverrides struct {
	LogLevel      string `env:"HIGHWAY_LOG_LEVEL"`
	OpsListenAddr string `env:"HIGHWAY_OPS_LISTEN_ADDR"`
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry, env.ToMap(os.Environ()))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	kernelRuntime := buildKernelRuntime(logger, cfg)

	primary, drivers, err := buildDriverRuntime(context.Background(), logger, cfg, registry)
	if err != nil {
		return err
	}

	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, logger, cfg, primary); err != nil {
		return err
	}
	if err := registerRuntimeModules(context.Background(), kernelRuntime, logger, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.opsListenAddr != "" {
		opsServer, err := ops.New(cfg.opsListenAddr, ops.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("build ops server: %w", err)
		}
		group.Go(func() error {
			return opsServer.Run(groupCtx)
		})
	}
	group.Go(func() error {
		if err := kernelRuntime.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})

	return group.Wait()
}

func loadConfig(registry *driver.Registry, environ map[string]string) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(environ)
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := applyEnvOverrides(&cfg, environ); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(environ map[string]string) (string, error) {
	if configFile := strings.TrimSpace(environ[envConfigFile]); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		drivers:   make([]driver.Definition, 0),
		migration: migration.DefaultConfig(),
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if rawTimeout := strings.TrimSpace(parsed.Kernel.ModuleHookTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.module_hook_timeout: %w", err)
		}
		cfg.moduleHookTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.Kernel.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.shutdown_timeout: %w", err)
		}
		cfg.shutdownTimeout = timeout
	}

	positiveInts := []struct {
		key    string
		value  *int
		target *int
	}{
		{key: "kernel.subscription_buffer", value: parsed.Kernel.SubscriptionBuffer, target: &cfg.subscriptionBuffer},
		{key: "kernel.subscription_workers", value: parsed.Kernel.SubscriptionWorkers, target: &cfg.subscriptionWorkers},
		{key: "cache.window_capacity", value: parsed.Cache.WindowCapacity, target: &cfg.cacheWindowCapacity},
		{key: "cache.shards", value: parsed.Cache.Shards, target: &cfg.cacheShards},
		{key: "cache.webhook_shards", value: parsed.Cache.WebhookShards, target: &cfg.webhookShards},
		{key: "event_sync.shards", value: parsed.EventSync.Shards, target: &cfg.syncShards},
		{key: "event_sync.shard_queue", value: parsed.EventSync.ShardQueue, target: &cfg.syncShardQueue},
	}
	for _, field := range positiveInts {
		if field.value == nil {
			continue
		}
		if *field.value <= 0 {
			return fmt.Errorf("parse %s: must be > 0", field.key)
		}
		*field.target = *field.value
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
	}

	migrationConfig, err := migration.ParseConfig(parsed.Migration)
	if err != nil {
		return fmt.Errorf("parse migration: %w", err)
	}
	cfg.migration = migrationConfig
	cfg.opsListenAddr = strings.TrimSpace(parsed.Ops.ListenAddr)

	return nil
}

func applyEnvOverrides(cfg *appConfig, environ map[string]string) error {
	if cfg == nil {
		return fmt.Errorf("apply env overrides: nil config")
	}

	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}

	if rawLevel := strings.TrimSpace(overrides.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse HIGHWAY_LOG_LEVEL: %w", err)
		}
		cfg.logLevel = level
	}
	if addr := strings.TrimSpace(overrides.OpsListenAddr); addr != "" {
		cfg.opsListenAddr = addr
	}

	return nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := 0
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}
	if err := cfg.migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	return nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}

	return value, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
	)
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) (driver.Runtime, []highway.Driver, error) {
	if registry == nil {
		return driver.Runtime{}, nil, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return driver.Runtime{}, nil, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]highway.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	primary, err := driver.Primary(runtimes)
	if err != nil {
		return driver.Runtime{}, nil, fmt.Errorf("select primary runtime: %w", err)
	}

	return primary, drivers, nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg appConfig,
	primary driver.Runtime,
) error {
	if err := kernelRuntime.RegisterService(highway.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if primary.Dispatcher == nil {
		return fmt.Errorf("register dispatcher service: nil dispatcher")
	}
	if err := kernelRuntime.RegisterService(highway.ServiceDispatcher, primary.Dispatcher); err != nil {
		return fmt.Errorf("register dispatcher service: %w", err)
	}
	if err := kernelRuntime.RegisterService(highway.ServicePermissionEvaluator, primary.Permissions); err != nil {
		return fmt.Errorf("register permission evaluator service: %w", err)
	}
	if err := kernelRuntime.RegisterService(highway.ServiceMemberDirectory, primary.Members); err != nil {
		return fmt.Errorf("register member directory service: %w", err)
	}

	messageOptions := make([]cache.MessageOption, 0, 2)
	if cfg.cacheWindowCapacity > 0 {
		messageOptions = append(messageOptions, cache.WithWindowCapacity(cfg.cacheWindowCapacity))
	}
	if cfg.cacheShards > 0 {
		messageOptions = append(messageOptions, cache.WithMessageShards(cfg.cacheShards))
	}
	if err := kernelRuntime.RegisterService(highway.ServiceMessageCache, cache.NewMessageCache(messageOptions...)); err != nil {
		return fmt.Errorf("register message cache service: %w", err)
	}

	webhookOptions := []cache.WebhookOption{
		cache.WithOwnerApplication(primary.ApplicationID),
		cache.WithWebhookLogger(logger),
	}
	if cfg.webhookShards > 0 {
		webhookOptions = append(webhookOptions, cache.WithWebhookShards(cfg.webhookShards))
	}
	webhooks, err := cache.NewWebhookCache(primary.Dispatcher, webhookOptions...)
	if err != nil {
		return fmt.Errorf("build webhook cache: %w", err)
	}
	if err := kernelRuntime.RegisterService(highway.ServiceWebhookCache, webhooks); err != nil {
		return fmt.Errorf("register webhook cache service: %w", err)
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg appConfig,
) error {
	syncOptions := []eventsync.Option{eventsync.WithLogger(logger)}
	if cfg.syncShards > 0 {
		syncOptions = append(syncOptions, eventsync.WithShards(cfg.syncShards))
	}
	if cfg.syncShardQueue > 0 {
		syncOptions = append(syncOptions, eventsync.WithShardQueue(cfg.syncShardQueue))
	}
	if err := kernelRuntime.RegisterModule(ctx, eventsync.New(syncOptions...)); err != nil {
		return fmt.Errorf("register eventsync module: %w", err)
	}

	migrationModule, err := migration.New(cfg.migration, migration.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build migration module: %w", err)
	}
	if err := kernelRuntime.RegisterModule(ctx, migrationModule); err != nil {
		return fmt.Errorf("register migration module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []highway.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
