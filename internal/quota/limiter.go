package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// Config holds the default budgets.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultRPM int64         `yaml:"default_rpm"`
	DefaultTPM int64         `yaml:"default_tpm"`
	Window     time.Duration `yaml:"window"`
	FailOpen   bool          `yaml:"fail_open"`
	KeyPrefix  string        `yaml:"key_prefix"`
}

// Limits are a tenant's budgets. Zero means the configured default and a
// negative value means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Limiter admits or rejects requests before they reach a vendor.
type Limiter struct {
	cfg      Config
	primary  Backend
	fallback *LocalBackend
	logger   *slog.Logger
}

// NewLimiter creates a limiter. primary may be nil, in which case counters
// are kept in process.
func NewLimiter(cfg Config, primary Backend, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:      cfg,
		primary:  primary,
		fallback: NewLocalBackend(),
		logger:   logger,
	}
}

// Admit charges one request and tokens estimated input tokens against the
// tenant's budgets. It returns a quota error when either budget is spent.
func (l *Limiter) Admit(ctx context.Context, tenantID string, limits Limits, tokens int) error {
	if !l.cfg.Enabled || tenantID == "" {
		return nil
	}

	rpm := effective(limits.RPM, l.cfg.DefaultRPM)
	tpm := effective(limits.TPM, l.cfg.DefaultTPM)

	var descs []Descriptor
	if rpm > 0 {
		descs = append(descs, Descriptor{Key: tenantID, Type: LimitTypeRequests, Limit: rpm, Amount: 1, Window: l.cfg.Window})
	}
	if tpm > 0 && tokens > 0 {
		descs = append(descs, Descriptor{Key: tenantID, Type: LimitTypeTokens, Limit: tpm, Amount: int64(tokens), Window: l.cfg.Window})
	}
	if len(descs) == 0 {
		return nil
	}

	results, err := l.check(ctx, descs)
	if err != nil {
		return err
	}

	for i, r := range results {
		if r.Allowed {
			continue
		}
		d := descs[i]
		metrics.QuotaRejections.WithLabelValues(string(d.Type)).Inc()
		code := errors.CodeRateLimited
		if d.Type == LimitTypeTokens {
			code = errors.CodeTokenLimited
		}
		return errors.NewQuotaExceeded(code, fmt.Sprintf("%s limit of %d exceeded, resets in %s",
			d.Type, d.Limit, r.ResetIn.Round(time.Second)))
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, descs []Descriptor) ([]Result, error) {
	if l.primary == nil {
		return l.fallback.CheckAllow(ctx, descs)
	}

	results, err := l.primary.CheckAllow(ctx, descs)
	if err == nil {
		return results, nil
	}

	metrics.QuotaBackendErrors.Inc()
	l.logger.Warn("quota backend check failed",
		"error", err,
		"fail_open", l.cfg.FailOpen,
	)
	if l.cfg.FailOpen {
		return l.fallback.CheckAllow(ctx, descs)
	}
	return nil, errors.NewInternal("quota backend unavailable")
}

// Sweep drops idle in-process limiters.
func (l *Limiter) Sweep(idle time.Duration) int {
	return l.fallback.Cleanup(idle)
}

func effective(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
