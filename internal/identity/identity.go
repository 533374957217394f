// Package identity supplies the caller identity used to decide whether
// remote sync is possible and to attribute remote writes.
package identity

import "context"

// Identity is a stable caller identity issued by an external auth layer.
type Identity struct {
	ID          string
	IsAnonymous bool
}

// CanSync reports whether this identity may use remote sync.
// Anonymous and empty identities are local-only.
func (i Identity) CanSync() bool {
	return i.ID != "" && !i.IsAnonymous
}

// Provider returns the current identity, or false when there is none.
type Provider interface {
	Current() (Identity, bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (Identity, bool)

// Current implements Provider.
func (f ProviderFunc) Current() (Identity, bool) {
	return f()
}

// Static returns a Provider that always yields id.
func Static(id Identity) Provider {
	return ProviderFunc(func() (Identity, bool) {
		return id, true
	})
}

// None returns a Provider without an identity.
func None() Provider {
	return ProviderFunc(func() (Identity, bool) {
		return Identity{}, false
	})
}

type contextKey struct{}

// WithIdentity attaches id to ctx so remote backends can attribute writes.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached with WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
