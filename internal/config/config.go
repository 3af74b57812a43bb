// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/credential"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pgstore"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pricing"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/quota"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret/vault"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/usagelog"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
)

// Store backends shared by the auth and credential sections.
const (
	StoreNone     = "none"
	StoreStatic   = "static"
	StoreHTTP     = "http"
	StorePostgres = "postgres"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Routing     RoutingConfig     `yaml:"routing"`
	Vendors     []VendorConfig    `yaml:"vendors"`
	Models      []ModelConfig     `yaml:"models"`
	Pricing     []PricingConfig   `yaml:"pricing"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Auth        AuthConfig        `yaml:"auth"`
	Postgres    pgstore.Config    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Quota       quota.Config      `yaml:"quota"`
	UsageLog    UsageLogConfig    `yaml:"usage_log"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SlogLevel converts the configured level name.
func (l LoggingConfig) SlogLevel() slog.Level {
	return observability.ParseLevel(l.Level)
}

// RoutingConfig picks the vendor used when nothing matches a model name.
type RoutingConfig struct {
	DefaultVendor string `yaml:"default_vendor"`
}

// VendorConfig overrides a built-in vendor or declares a new one.
type VendorConfig struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"` // openai, anthropic, google
	BaseURL        string            `yaml:"base_url"`
	Endpoints      map[string]string `yaml:"endpoints"`
	AuthHeader     string            `yaml:"auth_header"`
	AuthPrefix     *string           `yaml:"auth_prefix"`
	Headers        map[string]string `yaml:"headers"`
	CustomFields   map[string]any    `yaml:"custom_fields"`
	ExcludedFields []string          `yaml:"excluded_fields"`
	Timeout        time.Duration     `yaml:"timeout"`
	Retry          RetryConfig       `yaml:"retry"`
	// SystemKey is a secret reference (env://NAME, vault://path#key) for the
	// operator-owned key used when a tenant has none.
	SystemKey string `yaml:"system_key"`
}

// RetryConfig tunes a vendor's backoff schedule.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Statuses   []int         `yaml:"statuses"`
}

// ModelConfig adds or replaces a catalog entry. Prices are decimal strings
// in USD per 1000 tokens.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Vendor        string `yaml:"vendor"`
	ContextLength int    `yaml:"context_length"`
	InputPer1K    string `yaml:"input_per_1k"`
	OutputPer1K   string `yaml:"output_per_1k"`
}

// PricingConfig overrides a price without touching the catalog. A model
// ending in "*" matches by prefix.
type PricingConfig struct {
	Model       string `yaml:"model"`
	InputPer1K  string `yaml:"input_per_1k"`
	OutputPer1K string `yaml:"output_per_1k"`
}

// CredentialsConfig selects where tenant vendor keys live.
type CredentialsConfig struct {
	Store        string                     `yaml:"store"` // none, http, postgres
	HTTP         credential.HTTPStoreConfig `yaml:"http"`
	TouchTimeout time.Duration              `yaml:"touch_timeout"`
}

// AuthConfig selects how tenant API keys are verified.
type AuthConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Store      string           `yaml:"store"` // static, http, postgres
	HTTP       AuthHTTPConfig   `yaml:"http"`
	StaticKeys []StaticKey      `yaml:"static_keys"`
	Cache      auth.CacheConfig `yaml:"cache"`
}

// AuthHTTPConfig points at the tenant service.
type AuthHTTPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StaticKey is a tenant key declared in the file, for development and tests.
type StaticKey struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	Name     string `yaml:"name"`
	RPMLimit int    `yaml:"rpm_limit"`
	TPMLimit int    `yaml:"tpm_limit"`
}

// RedisConfig configures the distributed quota backend. An empty address
// keeps quotas process-local.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UsageLogConfig configures the asynchronous usage logger and its sinks.
type UsageLogConfig struct {
	usagelog.Config `yaml:",inline"`
	HTTP            usagelog.HTTPSinkConfig `yaml:"http"`
	S3              S3Config                `yaml:"s3"`
	SpoolPath       string                  `yaml:"spool_path"`
}

// S3Config enables the archive sink.
type S3Config struct {
	Enabled           bool `yaml:"enabled"`
	usagelog.S3Config `yaml:",inline"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig enables the vault: scheme.
type VaultConfig struct {
	Enabled      bool `yaml:"enabled"`
	vault.Config `yaml:",inline"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	tracing := observability.DefaultTracingConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBytes: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Routing: RoutingConfig{
			DefaultVendor: vendor.OpenAI,
		},
		Credentials: CredentialsConfig{
			Store:        StoreNone,
			TouchTimeout: credential.DefaultTouchTimeout,
		},
		Auth: AuthConfig{
			Enabled: true,
			Store:   StoreStatic,
			Cache:   auth.DefaultCacheConfig(),
		},
		Postgres: pgstore.DefaultConfig(),
		Quota: quota.Config{
			Enabled:    true,
			DefaultRPM: 60,
			DefaultTPM: 100000,
			Window:     time.Minute,
			FailOpen:   true,
			KeyPrefix:  "apilens:quota",
		},
		UsageLog: UsageLogConfig{
			Config: usagelog.DefaultConfig(),
			HTTP:   usagelog.HTTPSinkConfig{Timeout: 5 * time.Second},
			S3: S3Config{
				S3Config: usagelog.S3Config{
					PathPrefix:    "usage",
					FlushInterval: time.Minute,
					BatchSize:     500,
				},
			},
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
			Vault: VaultConfig{
				Config: vault.Config{AuthMethod: "token"},
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     tracing.Enabled,
			Endpoint:    tracing.Endpoint,
			ServiceName: tracing.ServiceName,
			SampleRate:  tracing.SampleRate,
			Insecure:    tracing.Insecure,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxRequestBytes < 0 {
		return fmt.Errorf("server.max_request_bytes cannot be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Vendors))
	for i, v := range c.Vendors {
		if v.Name == "" {
			return fmt.Errorf("vendors[%d]: name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("vendors[%d]: duplicate vendor %q", i, v.Name)
		}
		seen[v.Name] = true
		switch vendor.Kind(v.Kind) {
		case "", vendor.KindOpenAI, vendor.KindAnthropic, vendor.KindGoogle:
		default:
			return fmt.Errorf("vendors[%d] %q: unknown kind %q", i, v.Name, v.Kind)
		}
		if v.Timeout < 0 {
			return fmt.Errorf("vendors[%d] %q: timeout cannot be negative", i, v.Name)
		}
		r := v.Retry
		if r.MaxRetries != nil && *r.MaxRetries < 0 {
			return fmt.Errorf("vendors[%d] %q: retry.max_retries cannot be negative", i, v.Name)
		}
		if r.BaseDelay < 0 || r.MaxDelay < 0 || r.Multiplier < 0 {
			return fmt.Errorf("vendors[%d] %q: retry settings cannot be negative", i, v.Name)
		}
		if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
			return fmt.Errorf("vendors[%d] %q: retry.base_delay exceeds retry.max_delay", i, v.Name)
		}
	}

	for i, m := range c.Models {
		if m.Name == "" || m.Vendor == "" {
			return fmt.Errorf("models[%d]: name and vendor are required", i)
		}
		if _, err := parsePrice(m.InputPer1K); err != nil {
			return fmt.Errorf("models[%d] %q: input_per_1k: %w", i, m.Name, err)
		}
		if _, err := parsePrice(m.OutputPer1K); err != nil {
			return fmt.Errorf("models[%d] %q: output_per_1k: %w", i, m.Name, err)
		}
	}

	for i, p := range c.Pricing {
		if p.Model == "" {
			return fmt.Errorf("pricing[%d]: model is required", i)
		}
		if _, err := parsePrice(p.InputPer1K); err != nil {
			return fmt.Errorf("pricing[%d] %q: input_per_1k: %w", i, p.Model, err)
		}
		if _, err := parsePrice(p.OutputPer1K); err != nil {
			return fmt.Errorf("pricing[%d] %q: output_per_1k: %w", i, p.Model, err)
		}
	}

	switch c.Credentials.Store {
	case StoreNone:
	case StoreHTTP:
		if c.Credentials.HTTP.BaseURL == "" {
			return fmt.Errorf("credentials.http.base_url is required for the http store")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres credential store")
		}
	default:
		return fmt.Errorf("credentials.store must be none, http or postgres, got %q", c.Credentials.Store)
	}

	if c.Auth.Enabled {
		switch c.Auth.Store {
		case StoreStatic:
			for i, k := range c.Auth.StaticKeys {
				if k.Key == "" || k.TenantID == "" {
					return fmt.Errorf("auth.static_keys[%d]: key and tenant_id are required", i)
				}
			}
		case StoreHTTP:
			if c.Auth.HTTP.BaseURL == "" {
				return fmt.Errorf("auth.http.base_url is required for the http store")
			}
		case StorePostgres:
			if c.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is required for the postgres auth store")
			}
		default:
			return fmt.Errorf("auth.store must be static, http or postgres, got %q", c.Auth.Store)
		}
	}

	if c.Quota.Enabled {
		if c.Quota.Window <= 0 {
			return fmt.Errorf("quota.window must be positive")
		}
		if c.Quota.DefaultRPM < 0 || c.Quota.DefaultTPM < 0 {
			return fmt.Errorf("quota defaults cannot be negative")
		}
	}

	if c.UsageLog.QueueSize < 0 || c.UsageLog.Workers < 0 {
		return fmt.Errorf("usage_log.queue_size and usage_log.workers cannot be negative")
	}
	if c.UsageLog.S3.Enabled && c.UsageLog.S3.Bucket == "" {
		return fmt.Errorf("usage_log.s3.bucket is required when s3 is enabled")
	}

	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when vault is enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// RegistryOptions converts the vendor and model sections. Configured models
// are layered over the built-in catalog.
func (c *Config) RegistryOptions() (vendor.Options, error) {
	models := vendor.DefaultModels()
	for _, m := range c.Models {
		in, err := parsePrice(m.InputPer1K)
		if err != nil {
			return vendor.Options{}, fmt.Errorf("model %q: %w", m.Name, err)
		}
		out, err := parsePrice(m.OutputPer1K)
		if err != nil {
			return vendor.Options{}, fmt.Errorf("model %q: %w", m.Name, err)
		}
		models = append(models, vendor.ModelInfo{
			Name:          m.Name,
			Vendor:        m.Vendor,
			ContextLength: m.ContextLength,
			InputPer1K:    in,
			OutputPer1K:   out,
		})
	}

	overrides := make([]vendor.Override, 0, len(c.Vendors))
	for _, v := range c.Vendors {
		overrides = append(overrides, vendor.Override{
			Name:           v.Name,
			Kind:           vendor.Kind(v.Kind),
			BaseURL:        v.BaseURL,
			Endpoints:      v.Endpoints,
			AuthHeader:     v.AuthHeader,
			AuthPrefix:     v.AuthPrefix,
			Headers:        v.Headers,
			CustomFields:   v.CustomFields,
			ExcludedFields: v.ExcludedFields,
			Timeout:        v.Timeout,
			MaxRetries:     v.Retry.MaxRetries,
			BaseDelay:      v.Retry.BaseDelay,
			Multiplier:     v.Retry.Multiplier,
			MaxDelay:       v.Retry.MaxDelay,
			RetryStatus:    v.Retry.Statuses,
		})
	}

	return vendor.Options{
		Models:        models,
		Overrides:     overrides,
		DefaultVendor: c.Routing.DefaultVendor,
	}, nil
}

// PricingTable merges catalog prices with the pricing section. Entries in
// the pricing section win.
func (c *Config) PricingTable(models []vendor.ModelInfo) []pricing.ModelPricing {
	table := pricing.FromCatalog(models)
	for _, p := range c.Pricing {
		in, _ := parsePrice(p.InputPer1K)
		out, _ := parsePrice(p.OutputPer1K)
		table = append(table, pricing.ModelPricing{
			Model:           p.Model,
			InputCostPer1K:  in,
			OutputCostPer1K: out,
		})
	}
	return table
}

// SystemKeyRefs returns the vendor to secret reference map.
func (c *Config) SystemKeyRefs() map[string]string {
	refs := make(map[string]string)
	for _, v := range c.Vendors {
		if v.SystemKey != "" {
			refs[v.Name] = v.SystemKey
		}
	}
	return refs
}

// TenantKeys returns the static key table for the in-memory auth store.
func (c *Config) TenantKeys() map[string]*auth.Tenant {
	out := make(map[string]*auth.Tenant, len(c.Auth.StaticKeys))
	for _, k := range c.Auth.StaticKeys {
		name := k.Name
		if name == "" {
			name = k.TenantID
		}
		out[k.Key] = &auth.Tenant{
			ID:       k.TenantID,
			Name:     name,
			Active:   true,
			RPMLimit: k.RPMLimit,
			TPMLimit: k.TPMLimit,
		}
	}
	return out
}

func parsePrice(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("price cannot be negative")
	}
	return d, nil
}
