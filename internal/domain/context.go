package domain

import "context"

type principalKey struct{}

// ContextPrincipal carries the authenticated identity through request context.
// The session/login layer that produces this value is out of scope for this
// module; it is consumed here only through this narrow shape.
type ContextPrincipal struct {
	ID   string
	Name string
	Role Role
}

// WithPrincipal stores a ContextPrincipal in the context.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the ContextPrincipal from the context.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(ContextPrincipal)
	return p, ok
}
