package filter

import "context"

type clientIDKey struct{}

// WithClientID attaches the caller's client identifier for filters that need it.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the identifier set by WithClientID, or "".
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
