package middleware

import (
	"context"
	"time"
)

// identityContextKey is the context key for the authenticated caller.
type identityContextKey struct{}

// Identity is the authenticated caller attached to the request context by Authenticate.
type Identity struct {
	// Email is the identity the API key was issued to. Tenancy normalizes it.
	Email string

	// KeyID is the ID of the API key used, for audit logging.
	KeyID string

	// KeyName is the human-readable key label.
	KeyName string

	AuthTime time.Time
}

// GetIdentity returns the authenticated caller, or false for public endpoints and
// unauthenticated requests.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)

	return identity, ok
}

// SetIdentity returns a copy of ctx carrying identity.
func SetIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}
