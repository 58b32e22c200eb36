package highway

import "context"

// WebhookName is the display name given to provisioned impersonation endpoints.
const WebhookName = "message highway"

// Webhook is one impersonation endpoint as reported by the platform.
type Webhook struct {
	ID            string
	Token         string
	ChannelID     string
	ApplicationID string
	// Incoming is true for endpoints that accept executions with a token.
	Incoming bool
}

// WebhookIdentity is the cached id and token pair bound to one channel.
type WebhookIdentity struct {
	ID        string
	Token     string
	ChannelID string
}

// WebhookCache provisions at most one impersonation endpoint per channel.
type WebhookCache interface {
	// GetOrCreate returns the cached identity, reusing or creating one on a miss.
	GetOrCreate(ctx context.Context, channelID string) (WebhookIdentity, error)
	// InvalidateIfMissing evicts the cached identity when the platform no longer lists it.
	InvalidateIfMissing(ctx context.Context, channelID string) error
}
