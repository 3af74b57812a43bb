// Package secret resolves secret references such as env://OPENAI_API_KEY or
// vault://secret/data/llm#openai into their values.
package secret

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("secret not found")

// Provider defines the interface for retrieving secrets from various sources.
type Provider interface {
	// Get retrieves the secret value for the given path. The path has the
	// scheme already stripped, e.g. "OPENAI_API_KEY" or "secret/data/llm#openai".
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
