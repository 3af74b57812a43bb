package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// CacheConfig sizes the key cache.
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	MaxKeys     int64         `yaml:"max_keys"`
}

// DefaultCacheConfig caches hits for five minutes and misses for thirty seconds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:         5 * time.Minute,
		NegativeTTL: 30 * time.Second,
		MaxKeys:     100_000,
	}
}

// cachedKey is a lookup result. A nil tenant records an unknown key.
type cachedKey struct {
	tenant *Tenant
}

// Authenticator resolves raw API keys to tenants through a ristretto cache.
type Authenticator struct {
	store  Store
	cache  *ristretto.Cache[string, *cachedKey]
	cfg    CacheConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator creates an authenticator over store.
func NewAuthenticator(store Store, cfg CacheConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultCacheConfig().MaxKeys
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *cachedKey]{
		NumCounters:        cfg.MaxKeys * 10,
		MaxCost:            cfg.MaxKeys,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}

	return &Authenticator{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Authenticate returns the active tenant for rawKey or an unauthorized error.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Tenant, error) {
	if rawKey == "" {
		return nil, errors.NewUnauthorized(errors.CodeMissingAPIKey, "missing API key")
	}
	hash := HashKey(rawKey)

	var tenant *Tenant
	if entry, ok := a.cache.Get(hash); ok {
		metrics.AuthCacheEvents.WithLabelValues("hit").Inc()
		tenant = entry.tenant
	} else {
		metrics.AuthCacheEvents.WithLabelValues("miss").Inc()
		t, err := a.store.LookupKey(ctx, hash)
		if err != nil {
			a.logger.Error("api key lookup failed", "key", MaskKey(rawKey), "error", err)
			return nil, errors.NewInternal("api key lookup failed")
		}
		tenant = t
		ttl := a.cfg.TTL
		if t == nil {
			ttl = a.cfg.NegativeTTL
		}
		if ttl > 0 {
			a.cache.SetWithTTL(hash, &cachedKey{tenant: t}, 1, ttl)
		}
	}

	switch {
	case tenant == nil:
		return nil, errors.NewUnauthorized(errors.CodeInvalidAPIKey, "invalid API key")
	case !tenant.Active:
		return nil, errors.NewUnauthorized(errors.CodeInvalidAPIKey, "API key is inactive")
	case tenant.IsExpired(a.now()):
		return nil, errors.NewUnauthorized(errors.CodeInvalidAPIKey, "API key has expired")
	}
	return tenant, nil
}

// Invalidate drops a raw key from the cache.
func (a *Authenticator) Invalidate(rawKey string) {
	a.cache.Del(HashKey(rawKey))
}

// Close releases the cache.
func (a *Authenticator) Close() {
	a.cache.Close()
}
