package common

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// RoleOperator is granted to back-office staff who settle payouts.
const RoleOperator = "operator"

type ctxKey string

const principalKey ctxKey = "auth/principal"

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Subject     string
	AffiliateID uuid.UUID
	Roles       []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// IsOperator reports whether the principal may act on any affiliate's records.
func (p Principal) IsOperator() bool {
	return p.HasRole(RoleOperator)
}

// Scope returns the affiliate the caller is restricted to, or uuid.Nil for operators.
func (p Principal) Scope() uuid.UUID {
	if p.IsOperator() {
		return uuid.Nil
	}
	return p.AffiliateID
}

// WithPrincipal stores the authenticated principal on the provided context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated principal from the context if present.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// UserID returns the subject of the authenticated principal.
func UserID(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.Subject == "" {
		return "", false
	}
	return p.Subject, true
}

// ScopeFrom returns the caller's affiliate scope (uuid.Nil for operators).
// ok is false when the request is unauthenticated or an affiliate principal has no affiliate id.
func ScopeFrom(ctx context.Context) (uuid.UUID, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return uuid.Nil, false
	}
	if !p.IsOperator() && p.AffiliateID == uuid.Nil {
		return uuid.Nil, false
	}
	return p.Scope(), true
}
