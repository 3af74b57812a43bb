// Package auth binds an incoming API key to a tenant.
package auth

import (
	"context"
	"time"
)

// Tenant is the company an API key belongs to.
type Tenant struct {
	ID        string            `json:"tenant_id"`
	Name      string            `json:"name,omitempty"`
	KeyID     string            `json:"key_id"`
	Active    bool              `json:"is_active"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	RPMLimit  int               `json:"rpm_limit,omitempty"`
	TPMLimit  int               `json:"tpm_limit,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the key has passed its expiry at now.
func (t *Tenant) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

type tenantKey struct{}

// WithTenant stores the tenant on ctx.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// TenantFromContext returns the authenticated tenant, or nil.
func TenantFromContext(ctx context.Context) *Tenant {
	if t, ok := ctx.Value(tenantKey{}).(*Tenant); ok {
		return t
	}
	return nil
}

type authDurationKey struct{}

// WithAuthDuration records how long authentication took.
func WithAuthDuration(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, authDurationKey{}, d)
}

// AuthDurationFromContext returns the recorded authentication time.
func AuthDurationFromContext(ctx context.Context) time.Duration {
	d, _ := ctx.Value(authDurationKey{}).(time.Duration)
	return d
}
