package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// Source says where a credential came from.
type Source string

const (
	SourceTenant Source = "tenant"
	SourceSystem Source = "system"
)

// DefaultTouchTimeout bounds the detached usage update.
const DefaultTouchTimeout = 5 * time.Second

// Credential is the key a call is sent with.
type Credential struct {
	ID     string
	Value  string
	Source Source
}

// SystemKeys returns the proxy's own key for a vendor.
type SystemKeys interface {
	Get(ctx context.Context, vendor string) (string, error)
}

// Resolver implements BYOK-then-system credential selection.
type Resolver struct {
	store        Store
	system       SystemKeys
	logger       *slog.Logger
	touchTimeout time.Duration
	now          func() time.Time
	touches      sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTouchTimeout overrides DefaultTouchTimeout.
func WithTouchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.touchTimeout = d }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver. store may be nil when tenants cannot
// bring their own keys.
func NewResolver(store Store, system SystemKeys, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:        store,
		system:       system,
		logger:       logger,
		touchTimeout: DefaultTouchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant's usable credential for vendor, falling back to
// the system key. Store failures are logged and fall through.
func (r *Resolver) Resolve(ctx context.Context, tenantID, vendor string) (Credential, error) {
	if r.store != nil && tenantID != "" {
		rec, err := r.store.Get(ctx, tenantID, vendor)
		switch {
		case err != nil:
			r.logger.Warn("tenant credential lookup failed, using system key",
				"tenant_id", tenantID, "vendor", vendor, "error", err)
		case rec.Usable(r.now()):
			metrics.CredentialLookups.WithLabelValues(vendor, string(SourceTenant)).Inc()
			r.touch(rec.ID)
			return Credential{ID: rec.ID, Value: rec.Value, Source: SourceTenant}, nil
		}
	}

	if r.system != nil {
		key, err := r.system.Get(ctx, vendor)
		if err == nil && key != "" {
			metrics.CredentialLookups.WithLabelValues(vendor, string(SourceSystem)).Inc()
			return Credential{Value: key, Source: SourceSystem}, nil
		}
		if err != nil {
			r.logger.Debug("no system key", "vendor", vendor, "error", err)
		}
	}

	metrics.CredentialLookups.WithLabelValues(vendor, "none").Inc()
	return Credential{}, errors.NewCredentialNotFound(vendor)
}

// touch updates usage off the request path.
func (r *Resolver) touch(id string) {
	if id == "" {
		return
	}
	r.touches.Add(1)
	go func() {
		defer r.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.touchTimeout)
		defer cancel()
		if err := r.store.TouchUsage(ctx, id); err != nil {
			r.logger.Warn("credential usage update failed", "credential_id", id, "error", err)
		}
	}()
}

// Wait blocks until pending usage updates finish.
func (r *Resolver) Wait() {
	r.touches.Wait()
}
