package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPStore reads tenant credentials from the tenant service API.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPStoreConfig configures an HTTPStore.
type HTTPStoreConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// NewHTTPStore creates a store against cfg.BaseURL.
func NewHTTPStore(cfg HTTPStoreConfig, client *http.Client) *HTTPStore {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
		client:  client,
	}
}

// Get implements Store. A 404 means no credential.
func (s *HTTPStore) Get(ctx context.Context, tenantID, vendor string) (*Record, error) {
	u := fmt.Sprintf("%s/v1/tenants/%s/credentials/%s", s.baseURL, url.PathEscape(tenantID), url.PathEscape(vendor))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("credential lookup: unexpected status %d", resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &rec, nil
}

// TouchUsage implements Store.
func (s *HTTPStore) TouchUsage(ctx context.Context, credentialID string) error {
	u := fmt.Sprintf("%s/v1/credentials/%s/usage", s.baseURL, url.PathEscape(credentialID))
	body, _ := json.Marshal(map[string]any{"used_at": time.Now().UTC()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("credential usage update: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("credential usage update: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}
