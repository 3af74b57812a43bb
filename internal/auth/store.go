package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Store looks up the tenant behind a hashed API key.
type Store interface {
	// LookupKey returns nil, nil when the hash is unknown.
	LookupKey(ctx context.Context, keyHash string) (*Tenant, error)
}

// MemoryStore is a fixed key table, used for static keys in config.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Tenant
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Tenant)}
}

// Add registers a raw key for a tenant.
func (s *MemoryStore) Add(rawKey string, t *Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[HashKey(rawKey)] = t
}

// LookupKey implements Store.
func (s *MemoryStore) LookupKey(_ context.Context, keyHash string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.keys[keyHash]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// HTTPStore resolves keys through the tenant service:
// GET {base}/v1/keys/{hash} → Tenant JSON, or 404.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore creates an HTTP-backed store.
func NewHTTPStore(baseURL, serviceToken string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   serviceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// LookupKey implements Store.
func (s *HTTPStore) LookupKey(ctx context.Context, keyHash string) (*Tenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/keys/"+url.PathEscape(keyHash), nil)
	if err != nil {
		return nil, fmt.Errorf("build key lookup: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("key lookup: unexpected status %d", resp.StatusCode)
	}

	var t Tenant
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode tenant: %w", err)
	}
	return &t, nil
}

// PostgresStore resolves keys from the api_keys and tenants tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LookupKey implements Store.
func (s *PostgresStore) LookupKey(ctx context.Context, keyHash string) (*Tenant, error) {
	query := `
		SELECT k.id, t.id, t.name, k.is_active AND t.is_active, k.expires_at,
		       COALESCE(t.rpm_limit, 0), COALESCE(t.tpm_limit, 0)
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1`

	var t Tenant
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&t.KeyID, &t.ID, &t.Name, &t.Active, &expiresAt, &t.RPMLimit, &t.TPMLimit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	return &t, nil
}
