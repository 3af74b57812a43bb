// Package provider defines the per-wire-format adapter contract. Each
// vendor kind (OpenAI, Anthropic, Google) implements Adapter in its own
// subpackage; the registry's resolved descriptor selects which one runs.
package provider

import (
	"fmt"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Adapter converts between the generic request shape and one vendor wire
// format. Implementations are pure and safe for concurrent use.
type Adapter interface {
	// Kind returns the wire format this adapter handles.
	Kind() vendor.Kind

	// Transform builds the native request body for the endpoint.
	Transform(d *vendor.Descriptor, endpoint types.Endpoint, req *types.Request) ([]byte, error)

	// ParseUsage extracts token usage from a buffered native response.
	// Missing usage yields zero counts, not an error.
	ParseUsage(endpoint types.Endpoint, body []byte) (types.Usage, error)

	// StreamUsage folds one SSE data payload into usage.
	StreamUsage(data []byte, usage *types.Usage)
}

// Set selects an adapter by vendor kind.
type Set struct {
	adapters map[vendor.Kind]Adapter
}

// NewSet indexes the given adapters by kind.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[vendor.Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Kind()] = a
	}
	return s
}

// For returns the adapter for a descriptor's kind.
func (s *Set) For(d *vendor.Descriptor) (Adapter, error) {
	a, ok := s.adapters[d.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for vendor kind %q", d.Kind)
	}
	return a, nil
}
