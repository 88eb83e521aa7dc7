package provider

import "context"

// Payload is the opaque content fanned out to every target of a notification.
type Payload struct {
	Type       string
	SenderName string
	Message    string
}

// PushProvider is the outbound push delivery port. Send targets exactly one
// device token.
type PushProvider interface {
	Send(ctx context.Context, token string, payload Payload) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}
