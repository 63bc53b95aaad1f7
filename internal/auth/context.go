// ABOUTME: Request context helpers for carrying the authenticated uid through handlers
// ABOUTME: Provides WithUID/UIDFromContext, populated by the HTTP middleware

package auth

import "context"

type uidContextKey struct{}

// WithUID returns a new context carrying the authenticated uid.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidContextKey{}, uid)
}

// UIDFromContext returns the authenticated uid, or "" when the request is anonymous.
func UIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(uidContextKey{}).(string)
	return uid
}
