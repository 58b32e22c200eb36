package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"message-highway/pkg/highway"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterModuleDependencyValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		registerCache bool
		wantErr       bool
	}{
		{name: "missing required service fails", wantErr: true},
		{name: "present required service succeeds", registerCache: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			t.Cleanup(func() { _ = kernelRuntime.EventBus().Close(context.Background()) })
			if testCase.registerCache {
				if err := kernelRuntime.RegisterService(highway.ServiceMessageCache, struct{}{}); err != nil {
					t.Fatalf("register service failed: %v", err)
				}
			}

			module := &stubModule{
				name: "needs-cache",
				spec: highway.ModuleSpec{
					AdditionalCapabilities: []highway.Capability{
						{Name: "cache-reader", RequiredServices: []string{highway.ServiceMessageCache}},
					},
				},
			}
			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr && !errors.Is(err, highway.ErrServiceNotFound) {
				t.Fatalf("error = %v, want ErrServiceNotFound", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

func TestKernelRunCallsLifecycleHooks(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	module := &stubModule{name: "lifecycle"}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}
	driver := &stubDriver{name: "stub-driver", started: make(chan struct{})}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	select {
	case <-driver.started:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not start")
	}
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	if module.registered.Load() != 1 {
		t.Fatalf("OnRegister calls = %d, want 1", module.registered.Load())
	}
	if module.startedCount.Load() != 1 {
		t.Fatalf("OnStart calls = %d, want 1", module.startedCount.Load())
	}
	if module.shutdown.Load() != 1 {
		t.Fatalf("OnShutdown calls = %d, want 1", module.shutdown.Load())
	}
	if driver.stopped.Load() != 1 {
		t.Fatalf("driver Shutdown calls = %d, want 1", driver.stopped.Load())
	}
}

func TestKernelRunReturnsDriverFailure(t *testing.T) {
	t.Parallel()

	driverErr := errors.New("gateway refused token")
	kernelRuntime := New(WithShutdownTimeout(time.Second))
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "broken", startErr: driverErr}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	err := kernelRuntime.Run(context.Background())
	if !errors.Is(err, driverErr) {
		t.Fatalf("run error = %v, want %v", err, driverErr)
	}
}

func TestKernelRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	driver := &stubDriver{name: "stub-driver", started: make(chan struct{})}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(ctx)
	}()
	<-driver.started

	if err := kernelRuntime.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second run error = %v, want already running", err)
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestDriverSinkStampsSource(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() { _ = kernelRuntime.EventBus().Close(context.Background()) })

	sources := make(chan string, 1)
	module := &stubModule{
		name: "source-reader",
		spec: highway.ModuleSpec{
			Handlers: []highway.ModuleHandler{
				{
					Capability: highway.Capability{
						Name:     "deletions",
						Interest: highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted}},
					},
					Handler: func(_ context.Context, event *highway.Event) error {
						sources <- event.Source
						return nil
					},
				},
			},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	sink := newDriverSink("discord-main", kernelRuntime.EventBus(), kernelRuntime.cfg.logger)
	if err := sink.Publish(context.Background(), newTestEvent("e1", highway.EventKindMessageDeleted)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case source := <-sources:
		if source != "discord-main" {
			t.Fatalf("source = %q, want discord-main", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	invalid := &highway.Event{ID: "bad", Kind: highway.EventKindMessageDeleted}
	if err := sink.Publish(context.Background(), invalid); !errors.Is(err, highway.ErrInvalidEvent) {
		t.Fatalf("publish invalid error = %v, want ErrInvalidEvent", err)
	}
}

func TestRegisterModuleBindsDeclarativeHandlers(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() { _ = kernelRuntime.EventBus().Close(context.Background()) })

	handled := make(chan string, 1)
	module := &stubModule{
		name: "declarative",
		spec: highway.ModuleSpec{
			Handlers: []highway.ModuleHandler{
				{
					Capability: highway.Capability{
						Name:     "message-created",
						Interest: highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageCreated}},
					},
					Subscription: highway.SubscriptionSpec{Name: "declarative-handler", Buffer: 1, Workers: 1},
					Handler: func(_ context.Context, event *highway.Event) error {
						handled <- event.ID
						return nil
					},
				},
			},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	if err := kernelRuntime.EventBus().Publish(context.Background(), newTestEvent("e1", highway.EventKindMessageCreated)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case id := <-handled:
		if id != "e1" {
			t.Fatalf("handled event id = %s, want e1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for declarative handler")
	}
}

func TestRegisterModuleImperativeSubscriptionCapabilityGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    highway.ModuleSpec
		wantErr bool
	}{
		{name: "missing capability fails", spec: highway.ModuleSpec{}, wantErr: true},
		{
			name: "additional capability allows imperative subscribe",
			spec: highway.ModuleSpec{
				AdditionalCapabilities: []highway.Capability{
					{
						Name:     "prompt-deletions",
						Interest: highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted}},
					},
				},
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			t.Cleanup(func() { _ = kernelRuntime.EventBus().Close(context.Background()) })

			module := &stubModule{
				name: "imperative",
				spec: testCase.spec,
				onRegister: func(ctx context.Context, runtime highway.ModuleRuntime) error {
					_, err := runtime.Subscribe(ctx,
						highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageDeleted}},
						highway.SubscriptionSpec{Name: "imperative-handler"},
						func(_ context.Context, _ *highway.Event) error { return nil },
					)
					if err != nil {
						return fmt.Errorf("subscribe imperative handler: %w", err)
					}
					return nil
				},
			}

			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr && !errors.Is(err, highway.ErrInvalidSubscription) {
				t.Fatalf("error = %v, want ErrInvalidSubscription", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

func TestRegisterModuleRollsBackOnRegisterFailure(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() { _ = kernelRuntime.EventBus().Close(context.Background()) })

	failing := &stubModule{
		name: "flaky",
		onRegister: func(context.Context, highway.ModuleRuntime) error {
			panic("boom")
		},
	}
	err := kernelRuntime.RegisterModule(context.Background(), failing)
	if err == nil || !strings.Contains(err.Error(), "panic recovered") {
		t.Fatalf("error = %v, want recovered panic", err)
	}

	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "flaky"}); err != nil {
		t.Fatalf("re-register after rollback failed: %v", err)
	}
	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "flaky"}); !errors.Is(err, highway.ErrModuleAlreadyRegistered) {
		t.Fatalf("duplicate register error = %v, want ErrModuleAlreadyRegistered", err)
	}
}

func TestRegisterModuleSpecValidation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *highway.Event) error { return nil }
	created := highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageCreated}}
	updated := highway.InterestSet{Kinds: []highway.EventKind{highway.EventKindMessageUpdated}}

	tests := []struct {
		name       string
		spec       highway.ModuleSpec
		wantErrSub string
	}{
		{
			name: "empty handler capability name",
			spec: highway.ModuleSpec{
				Handlers: []highway.ModuleHandler{
					{Capability: highway.Capability{Interest: created}, Handler: noop},
				},
			},
			wantErrSub: "empty capability name",
		},
		{
			name: "duplicate capability name",
			spec: highway.ModuleSpec{
				Handlers: []highway.ModuleHandler{
					{Capability: highway.Capability{Name: "dup", Interest: created}, Handler: noop},
					{Capability: highway.Capability{Name: "dup", Interest: updated}, Handler: noop},
				},
			},
			wantErrSub: "duplicate capability name",
		},
		{
			name: "nil handler",
			spec: highway.ModuleSpec{
				Handlers: []highway.ModuleHandler{
					{Capability: highway.Capability{Name: "nil-handler", Interest: created}},
				},
			},
			wantErrSub: "nil handler",
		},
		{
			name: "duplicate subscription name",
			spec: highway.ModuleSpec{
				Handlers: []highway.ModuleHandler{
					{
						Capability:   highway.Capability{Name: "a", Interest: created},
						Subscription: highway.SubscriptionSpec{Name: "dup-sub"},
						Handler:      noop,
					},
					{
						Capability:   highway.Capability{Name: "b", Interest: updated},
						Subscription: highway.SubscriptionSpec{Name: "dup-sub"},
						Handler:      noop,
					},
				},
			},
			wantErrSub: "duplicate subscription name",
		},
		{
			name: "duplicate additional capability name",
			spec: highway.ModuleSpec{
				Handlers: []highway.ModuleHandler{
					{Capability: highway.Capability{Name: "cap", Interest: created}, Handler: noop},
				},
				AdditionalCapabilities: []highway.Capability{{Name: "cap"}},
			},
			wantErrSub: "duplicate capability name",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "invalid", spec: testCase.spec})
			if err == nil {
				t.Fatal("expected module registration error")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

type stubModule struct {
	name string
	spec highway.ModuleSpec

	onRegister func(ctx context.Context, runtime highway.ModuleRuntime) error

	registered   atomic.Int32
	startedCount atomic.Int32
	shutdown     atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() highway.ModuleSpec {
	return m.spec
}

func (m *stubModule) OnRegister(ctx context.Context, runtime highway.ModuleRuntime) error {
	m.registered.Add(1)
	if m.onRegister != nil {
		return m.onRegister(ctx, runtime)
	}

	return nil
}

func (m *stubModule) OnStart(context.Context) error {
	m.startedCount.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(context.Context) error {
	m.shutdown.Add(1)
	return nil
}

type stubDriver struct {
	name     string
	startErr error
	started  chan struct{}

	stopped atomic.Int32
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, _ highway.EventSink) error {
	if d.started != nil {
		close(d.started)
	}
	if d.startErr != nil {
		return d.startErr
	}
	<-ctx.Done()

	return nil
}

func (d *stubDriver) Shutdown(context.Context) error {
	d.stopped.Add(1)
	return nil
}

func newTestEvent(id string, kind highway.EventKind) *highway.Event {
	event := &highway.Event{
		ID:         id,
		Kind:       kind,
		OccurredAt: time.Unix(1_700_000_000, 0),
		Platform:   highway.PlatformDiscord,
		ChannelID:  "c1",
	}

	switch kind {
	case highway.EventKindMessageCreated:
		event.Message = &highway.CachedMessage{ID: "m-" + id, ChannelID: "c1"}
	case highway.EventKindMessageUpdated:
		event.Update = &highway.MessageUpdate{MessageID: "m-" + id, Patch: highway.TextPatch("edited")}
	case highway.EventKindMessageDeleted, highway.EventKindMessageBulkDeleted:
		event.Deletion = &highway.Deletion{MessageIDs: []string{"m-" + id}}
	case highway.EventKindEndpointsChanged:
		event.Endpoints = &highway.EndpointsChange{ChannelID: "c1"}
	}

	return event
}
