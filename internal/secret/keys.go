package secret

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

// VendorKeys maps vendor names to the references of their system default
// credentials.
type VendorKeys struct {
	source Provider
	refs   atomic.Pointer[map[string]string]
}

// NewVendorKeys resolves refs through source.
func NewVendorKeys(source Provider, refs map[string]string) *VendorKeys {
	k := &VendorKeys{source: source}
	k.SetRefs(refs)
	return k
}

// SetRefs replaces the vendor to reference table.
func (k *VendorKeys) SetRefs(refs map[string]string) {
	cp := make(map[string]string, len(refs))
	for v, ref := range refs {
		if ref != "" {
			cp[v] = ref
		}
	}
	k.refs.Store(&cp)
}

// Get returns the system credential for vendor. It wraps ErrNotFound when
// none is configured.
func (k *VendorKeys) Get(ctx context.Context, vendor string) (string, error) {
	ref, ok := (*k.refs.Load())[vendor]
	if !ok {
		return "", fmt.Errorf("system key for %s: %w", vendor, ErrNotFound)
	}
	val, err := k.source.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("system key for %s: %w", vendor, err)
	}
	if val == "" {
		return "", fmt.Errorf("system key for %s: %w", vendor, ErrNotFound)
	}
	return val, nil
}

// Vendors lists vendors with a configured system credential.
func (k *VendorKeys) Vendors() []string {
	refs := *k.refs.Load()
	out := make([]string, 0, len(refs))
	for v := range refs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
