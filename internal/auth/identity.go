// ABOUTME: Resolved caller identity: an API key name, a JWT subject, or a bare host.
// ABOUTME: The String form keys the rate limiter, so equal strings share a window.

package auth

import "context"

// Kind labels how an identity was established.
type Kind string

const (
	KindKey  Kind = "key" // matched a configured API key
	KindJWT  Kind = "jwt" // valid HS256 bearer token subject
	KindAnon Kind = "ip"  // no credential; keyed by remote host
)

// Identity is one resolved caller.
type Identity struct {
	Kind    Kind
	Subject string
}

// String renders the identity as "<kind>:<subject>", the form the rate
// limiter and logs use.
func (id Identity) String() string {
	return string(id.Kind) + ":" + id.Subject
}

// identityKey is the context key type for the resolved identity.
type identityKey struct{}

// WithIdentity returns a context carrying the resolved identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext recovers the identity installed by the middleware. The bool is
// false for requests that never passed through it.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
