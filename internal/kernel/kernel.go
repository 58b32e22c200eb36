package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"message-highway/pkg/highway"
)

// Kernel wires modules, drivers and the event bus into one process lifecycle.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	drivers     map[string]highway.Driver
	driverOrder []string

	runMu   sync.Mutex
	running bool
}

// New creates a kernel with an empty service registry and event bus.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptionBuffer, cfg.subscriptionWorker, cfg.handlerTimeout, cfg.onAsyncError),
		services: NewServiceRegistry(),
		modules:  make(map[string]*moduleRecord),
		drivers:  make(map[string]highway.Driver),
	}
}

// EventBus exposes the kernel event bus.
func (k *Kernel) EventBus() highway.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() highway.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule validates module, runs its optional OnRegister hook, and
// subscribes its declared handlers. A failure rolls the module back out.
func (k *Kernel) RegisterModule(ctx context.Context, module highway.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: spec.Capabilities(),
	}
	if err := k.validateCapabilityDependencies(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if _, exists := k.modules[name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, highway.ErrModuleAlreadyRegistered)
	}
	k.modules[name] = record
	k.moduleOrder = append(k.moduleOrder, name)
	k.mu.Unlock()

	runtime := &moduleRuntime{record: record, services: k.services, bus: k.bus}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(highway.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.rollbackModule(ctx, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	for idx, declared := range spec.Handlers {
		subscription := declared.Subscription
		if subscription.Name == "" {
			subscription.Name = fmt.Sprintf("%s-handler-%d", name, idx+1)
		}
		if _, err := runtime.Subscribe(hookCtx, declared.Capability.Interest, subscription, declared.Handler); err != nil {
			k.rollbackModule(ctx, record)
			return fmt.Errorf("register module %s handler %s: %w", name, declared.Capability.Name, err)
		}
	}

	k.cfg.logger.Debug("module registered", "module", name, "handlers", len(spec.Handlers))

	return nil
}

// RegisterDriver registers a platform driver.
func (k *Kernel) RegisterDriver(driver highway.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.drivers[name]; exists {
		return fmt.Errorf("register driver %s: %w", name, highway.ErrDriverAlreadyRegistered)
	}
	k.drivers[name] = driver
	k.driverOrder = append(k.driverOrder, name)

	return nil
}

// Run starts modules then drivers and blocks until ctx ends or a driver fails.
// Shutdown always runs before Run returns.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.beginRun(); err != nil {
		return err
	}
	defer k.endRun()

	k.cfg.logger.Info("kernel starting",
		"modules", k.snapshotModuleOrder(),
		"drivers", k.snapshotDriverOrder(),
		"services", k.services.Names(),
	)

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	runCtx, stopDrivers := context.WithCancel(ctx)
	driverErr, waitDrivers := k.startDrivers(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-driverErr:
		runErr = err
	}

	stopDrivers()
	waitDrivers()

	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdownAll(ctx))
}

func (k *Kernel) beginRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) endRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

func (k *Kernel) snapshotModuleOrder() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return append([]string(nil), k.moduleOrder...)
}

func (k *Kernel) snapshotDriverOrder() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return append([]string(nil), k.driverOrder...)
}

func (k *Kernel) moduleRecord(name string) *moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.modules[name]
}

func (k *Kernel) driver(name string) highway.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.drivers[name]
}

func (k *Kernel) startModules(ctx context.Context) error {
	for _, name := range k.snapshotModuleOrder() {
		record := k.moduleRecord(name)
		if record == nil {
			continue
		}

		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", name, err)
		}
	}

	return nil
}

// startDrivers runs every driver in its own goroutine. The returned channel
// yields the first fatal driver error, or context.Canceled once all drivers
// have returned. wait blocks until drivers exit or the shutdown timeout passes.
func (k *Kernel) startDrivers(ctx context.Context) (<-chan error, func()) {
	errs := make(chan error, 1)
	done := make(chan struct{})

	var workers sync.WaitGroup
	for _, name := range k.snapshotDriverOrder() {
		driver := k.driver(name)
		if driver == nil {
			continue
		}
		sink := newDriverSink(name, k.bus, k.cfg.logger)

		workers.Add(1)
		go func() {
			defer workers.Done()
			err := runSafely("driver "+name+" Start", func() error {
				return driver.Start(ctx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errs <- fmt.Errorf("run driver %s: %w", name, err):
			default:
			}
		}()
	}

	go func() {
		workers.Wait()
		close(done)
		select {
		case errs <- context.Canceled:
		default:
		}
	}()

	wait := func() {
		timer := time.NewTimer(k.cfg.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			k.cfg.logger.Warn("drivers did not stop before shutdown timeout")
		}
	}

	return errs, wait
}

// shutdownAll stops drivers, then modules, then the bus. Cleanup runs on a
// context detached from ctx so cancellation does not skip it.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	shutdownErr := errors.Join(
		k.shutdownDrivers(shutdownCtx),
		k.shutdownModules(shutdownCtx),
		k.bus.Close(shutdownCtx),
	)
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}
	k.cfg.logger.Info("kernel stopped")

	return nil
}

func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	order := k.snapshotDriverOrder()

	var shutdownErr error
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]
		driver := k.driver(name)
		if driver == nil {
			continue
		}
		if err := runSafely("driver "+name+" Shutdown", func() error {
			return driver.Shutdown(ctx)
		}); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", name, err))
		}
	}

	return shutdownErr
}

// shutdownModules closes subscriptions before OnShutdown so no handler runs
// against a module that has already released its resources.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	order := k.snapshotModuleOrder()

	var shutdownErr error
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]
		record := k.moduleRecord(name)
		if record == nil {
			continue
		}
		if err := record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", name, err))
		}

		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", name, err))
		}
	}

	return shutdownErr
}

func (k *Kernel) rollbackModule(ctx context.Context, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback module "+record.name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.modules, record.name)
	k.moduleOrder = removeOrderedName(k.moduleOrder, record.name)
}

func (k *Kernel) validateCapabilityDependencies(capabilities []highway.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// validateModuleSpec rejects unnamed or duplicate capabilities and nil handlers.
func validateModuleSpec(spec highway.ModuleSpec) error {
	capabilities := make(map[string]struct{}, len(spec.Handlers)+len(spec.AdditionalCapabilities))
	subscriptions := make(map[string]struct{}, len(spec.Handlers))

	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("empty capability name")
		}
		if _, exists := capabilities[name]; exists {
			return fmt.Errorf("duplicate capability name %s", name)
		}
		capabilities[name] = struct{}{}
		return nil
	}

	for idx, handler := range spec.Handlers {
		if err := claim(handler.Capability.Name); err != nil {
			return fmt.Errorf("module handler %d: %w", idx, err)
		}
		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if name := handler.Subscription.Name; name != "" {
			if _, exists := subscriptions[name]; exists {
				return fmt.Errorf("module handler %s: duplicate subscription name %s", handler.Capability.Name, name)
			}
			subscriptions[name] = struct{}{}
		}
	}
	for idx, capability := range spec.AdditionalCapabilities {
		if err := claim(capability.Name); err != nil {
			return fmt.Errorf("additional capability %d: %w", idx, err)
		}
	}

	return nil
}

func removeOrderedName(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
