// Package credential picks the vendor credential for a call: the tenant's
// own key when one is stored and usable, otherwise the system default.
package credential

import (
	"context"
	"time"
)

// Record is a stored tenant credential for one vendor.
type Record struct {
	ID        string     `json:"id"`
	Value     string     `json:"value"`
	Active    bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the record may be used at now.
func (r *Record) Usable(now time.Time) bool {
	if r == nil || !r.Active || r.Value == "" {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Store looks up tenant credentials.
type Store interface {
	// Get returns the tenant's credential for vendor, or nil when none is stored.
	Get(ctx context.Context, tenantID, vendor string) (*Record, error)
	// TouchUsage records that a credential served a request.
	TouchUsage(ctx context.Context, credentialID string) error
}
