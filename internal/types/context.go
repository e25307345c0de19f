package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	providerKey  contextKey = "provider"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithProvider records which provider endpoint a request arrived on.
func WithProvider(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, providerKey, p)
}

// GetProvider returns the provider stored by WithProvider, or ProviderNone.
func GetProvider(ctx context.Context) Provider {
	if p, ok := ctx.Value(providerKey).(Provider); ok {
		return p
	}
	return ProviderNone
}
