// Package tenant carries the authenticated principal through a request
// context. The tenant ID only ever comes from a verified token.
package tenant

import (
	"context"

	"propledger/pkg/domain"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	TenantID string
	Email    string
	Role     domain.Role
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.TenantID == "" {
		return Principal{}, false
	}
	return p, true
}

// Require returns the caller's tenant ID or domain.ErrTenantRequired.
func Require(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", domain.ErrTenantRequired
	}
	return p.TenantID, nil
}

// RequireWriter returns the principal when its role may write.
func RequireWriter(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, domain.ErrTenantRequired
	}
	if !p.Role.CanWrite() {
		return Principal{}, domain.ErrForbidden
	}
	return p, nil
}
