package highway

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("highway: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("highway: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("highway: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("highway: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("highway: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("highway: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("highway: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("highway: driver already registered")
	// ErrInvalidOutboundRequest indicates that an outbound request is malformed.
	ErrInvalidOutboundRequest = errors.New("highway: invalid outbound request")

	// ErrPermissionDenied indicates the engine or the requester lacks a required capability.
	ErrPermissionDenied = errors.New("highway: permission denied")
	// ErrUnrepresentableMessage indicates message content that cannot be replayed faithfully.
	ErrUnrepresentableMessage = errors.New("highway: unrepresentable message")
	// ErrLimitExceeded indicates a target set above the count or age ceiling.
	ErrLimitExceeded = errors.New("highway: limit exceeded")
	// ErrMissingPrecondition indicates a platform payload without a field the engine depends on.
	ErrMissingPrecondition = errors.New("highway: missing precondition")
	// ErrMessageNotFound indicates the target message no longer exists upstream.
	ErrMessageNotFound = errors.New("highway: message not found")
	// ErrStreamEnded indicates an interaction stream closed before a matching action arrived.
	ErrStreamEnded = errors.New("highway: interaction stream ended")
)
