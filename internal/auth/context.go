package auth

import "context"

type contextKey string

const callerContextKey contextKey = "tierproxy_admin_caller"

// Caller identifies who passed the admin check.
type Caller struct {
	TokenPrefix string
	// Open is true when no admin token is configured.
	Open bool
}

func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}
