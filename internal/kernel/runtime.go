package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"message-highway/pkg/highway"
)

// moduleRecord tracks one registered module and the subscriptions it owns.
type moduleRecord struct {
	name         string
	module       highway.Module
	capabilities []highway.Capability

	subMu         sync.Mutex
	subscriptions []highway.Subscription
}

func (m *moduleRecord) addSubscription(subscription highway.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes every owned subscription. Repeated calls are no-ops.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the highway.ModuleRuntime handed to one module.
type moduleRuntime struct {
	record   *moduleRecord
	services highway.ServiceRegistry
	bus      highway.EventBus
}

// Services returns the shared service registry.
func (r *moduleRuntime) Services() highway.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription covered by a declared capability.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest highway.InterestSet,
	spec highway.SubscriptionSpec,
	handler highway.EventHandler,
) (highway.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.record.name + "-subscription"
	}
	if err := assertSubscriptionAllowed(r.record.capabilities, interest); err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

// assertSubscriptionAllowed requires at least one capability whose interest covers the request.
func assertSubscriptionAllowed(capabilities []highway.Capability, interest highway.InterestSet) error {
	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return nil
		}
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("%w: module declares no capabilities", highway.ErrInvalidSubscription)
	}

	return fmt.Errorf("%w: interest not covered by declared capabilities", highway.ErrInvalidSubscription)
}
