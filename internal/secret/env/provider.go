// Package env implements a secret provider that reads from environment variables.
package env

import (
	"context"
	"fmt"
	"os"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret"
)

// Provider implements the secret.Provider interface for environment variables.
type Provider struct{}

// New creates a new Env provider.
func New() *Provider {
	return &Provider{}
}

// Get retrieves the value of the environment variable named by path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %q: %w", path, secret.ErrNotFound)
	}
	return val, nil
}

// Close is a no-op for the Env provider.
func (p *Provider) Close() error {
	return nil
}
