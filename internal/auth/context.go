package auth

import (
	"context"

	"fraudgraph.org/internal/audit"
)

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context
// and attributes audit actions made under it.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	ctx = audit.WithActor(ctx, audit.Actor{Username: principal.Username, Role: string(principal.Role)})
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
