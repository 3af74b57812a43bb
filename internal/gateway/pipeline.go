// Package gateway runs one proxied call through the request pipeline:
// quota admission, vendor and credential resolution, transformation,
// dispatch, usage parsing, costing and usage logging.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/credential"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/dispatch"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pricing"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/quota"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/tokenizer"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/usagelog"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// CredentialResolver picks the key a call is sent with.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, vendor string) (credential.Credential, error)
}

// Admitter charges a call against tenant budgets.
type Admitter interface {
	Admit(ctx context.Context, tenantID string, limits quota.Limits, tokens int) error
}

// Dispatcher sends a transformed call to its vendor.
type Dispatcher interface {
	Dispatch(ctx context.Context, call dispatch.Call) types.CallResult
}

// UsageRecorder accepts usage entries without blocking.
type UsageRecorder interface {
	Submit(e usagelog.Entry) bool
}

// Deps are the collaborators of a Pipeline. Quota and Usage may be nil.
type Deps struct {
	Registry    *vendor.Registry
	Adapters    *provider.Set
	Credentials CredentialResolver
	Quota       Admitter
	Dispatcher  Dispatcher
	Pricing     *pricing.Calculator
	Usage       UsageRecorder
	Logger      *slog.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	registry    *vendor.Registry
	adapters    *provider.Set
	credentials CredentialResolver
	quota       Admitter
	dispatcher  Dispatcher
	pricing     *pricing.Calculator
	usage       UsageRecorder
	logger      *slog.Logger
}

// New validates deps and builds a pipeline.
func New(d Deps) (*Pipeline, error) {
	if d.Registry == nil || d.Adapters == nil || d.Credentials == nil || d.Dispatcher == nil {
		return nil, fmt.Errorf("gateway: registry, adapters, credentials and dispatcher are required")
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewCalculator(pricing.FromCatalog(d.Registry.Models()))
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	models := d.Registry.Models()
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	tokenizer.Warm(names...)

	return &Pipeline{
		registry:    d.Registry,
		adapters:    d.Adapters,
		credentials: d.Credentials,
		quota:       d.Quota,
		dispatcher:  d.Dispatcher,
		pricing:     d.Pricing,
		usage:       d.Usage,
		logger:      d.Logger,
	}, nil
}

// Registry returns the vendor registry the pipeline routes with.
func (p *Pipeline) Registry() *vendor.Registry {
	return p.registry
}

// Inbound is a decoded proxied request bound to a tenant.
type Inbound struct {
	RequestID string
	// Tenant is nil when authentication is disabled.
	Tenant    *auth.Tenant
	Endpoint  types.Endpoint
	Request   *types.Request
	RawBody   []byte
	ClientIP  string
	UserAgent string
	StartedAt time.Time
	// AuthDuration is the time spent authenticating before the pipeline ran.
	AuthDuration time.Duration
}

func (in *Inbound) tenantID() string {
	if in.Tenant == nil {
		return ""
	}
	return in.Tenant.ID
}

func (in *Inbound) limits() quota.Limits {
	if in.Tenant == nil {
		return quota.Limits{}
	}
	return quota.Limits{RPM: int64(in.Tenant.RPMLimit), TPM: int64(in.Tenant.TPMLimit)}
}

// Outcome is the result of Handle. For streamed calls Result.Stream is set
// and the caller must feed every data payload to Observe and then call
// Finish once the stream is done.
type Outcome struct {
	Context       types.RequestContext
	Result        types.CallResult
	Usage         types.Usage
	EstimatedCost decimal.Decimal
	Cost          decimal.Decimal
	KeySource     credential.Source
	Err           *errors.VendorError

	p         *Pipeline
	in        *Inbound
	adapter   provider.Adapter
	routingMs int64
	once      sync.Once
}

// Success reports whether the vendor call succeeded.
func (o *Outcome) Success() bool {
	return o.Err == nil
}

// Streaming reports whether the caller must forward Result.Stream.
func (o *Outcome) Streaming() bool {
	return o.Err == nil && o.Result.Stream != nil
}

// RetryCount is the number of retries spent on the call.
func (o *Outcome) RetryCount() int {
	return o.Result.RetryCount
}

// Latency is the time since the request arrived.
func (o *Outcome) Latency() time.Duration {
	return time.Since(o.Context.StartedAt)
}

// Observe folds one SSE data payload into the usage of a streamed call.
func (o *Outcome) Observe(data []byte) {
	if o.adapter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.p.logger.Error("stream usage parser panicked",
				"request_id", o.Context.RequestID, "vendor", o.Context.Vendor, "panic", r)
		}
	}()
	o.adapter.StreamUsage(data, &o.Usage)
}

// Finish prices a streamed call and submits its usage entry. streamErr is
// the forwarding error, if any; it is recorded but does not change the
// outcome because the client already received a success status.
func (o *Outcome) Finish(streamErr error) {
	if streamErr != nil {
		if o.Context.Metadata == nil {
			o.Context.Metadata = map[string]string{}
		}
		o.Context.Metadata["stream_error"] = streamErr.Error()
	}
	o.Usage.FillTotal()
	if o.Usage.Model == "" {
		o.Usage.Model = o.Context.Model
	}
	o.Cost = o.p.pricing.Calculate(o.Context.Model, o.Usage)
	o.complete()
}

// Handle runs the pipeline. It never returns nil; failures are reported in
// Outcome.Err. The vendor call is detached from ctx cancellation so a
// client disconnect does not abort a call the vendor may already bill.
func (p *Pipeline) Handle(ctx context.Context, in *Inbound) *Outcome {
	if in.StartedAt.IsZero() {
		in.StartedAt = time.Now()
	}
	if in.RequestID == "" {
		ctx, in.RequestID = observability.GetOrCreateRequestID(ctx)
	}
	o := &Outcome{
		p:  p,
		in: in,
		Context: types.RequestContext{
			RequestID: in.RequestID,
			TenantID:  in.tenantID(),
			Model:     in.Request.Model,
			Endpoint:  in.Endpoint,
			StartedAt: in.StartedAt,
			ClientIP:  in.ClientIP,
			UserAgent: in.UserAgent,
		},
	}
	routingStart := time.Now()

	if err := in.Request.Validate(in.Endpoint); err != nil {
		return p.fail(o, errors.As(err))
	}

	var (
		res    vendor.Resolution
		cred   credential.Credential
		tokens int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tokens = tokenizer.EstimateInputTokens(in.Endpoint, in.Request)
		if p.quota == nil {
			return nil
		}
		return p.quota.Admit(gctx, o.Context.TenantID, in.limits(), tokens)
	})
	g.Go(func() error {
		res = p.registry.Resolve(in.Request.Model)
		if _, err := res.Descriptor.URL(in.Endpoint, in.Request.Model, in.Request.Stream); err != nil {
			return err
		}
		var err error
		cred, err = p.credentials.Resolve(gctx, o.Context.TenantID, res.Descriptor.Name)
		return err
	})
	err := g.Wait()
	if res.Descriptor != nil {
		o.Context.Vendor = res.Descriptor.Name
		o.Context.Fallback = res.Fallback()
	}
	if err != nil {
		return p.fail(o, errors.As(err))
	}
	o.Context.CredentialID = cred.ID
	o.KeySource = cred.Source
	o.EstimatedCost = p.pricing.Estimate(in.Request.Model, tokens)

	if res.Fallback() {
		metrics.VendorFallbacks.WithLabelValues(res.Descriptor.Name).Inc()
		p.logger.Warn("model matched no vendor, using default",
			"request_id", in.RequestID, "model", in.Request.Model, "vendor", res.Descriptor.Name)
	}

	adapter, err := p.adapters.For(res.Descriptor)
	if err != nil {
		return p.fail(o, errors.NewInternal(err.Error()))
	}
	o.adapter = adapter

	var body []byte
	if verr, _ := p.guard(in.RequestID, func() error {
		var terr error
		body, terr = adapter.Transform(res.Descriptor, in.Endpoint, in.Request)
		return terr
	}); verr != nil {
		return p.fail(o, verr)
	}
	o.routingMs = time.Since(routingStart).Milliseconds()

	o.Result = p.dispatcher.Dispatch(context.WithoutCancel(ctx), dispatch.Call{
		Descriptor: res.Descriptor,
		Endpoint:   in.Endpoint,
		Model:      in.Request.Model,
		Credential: cred.Value,
		Body:       body,
		Stream:     in.Request.Stream,
		RequestID:  in.RequestID,
	})
	if !o.Result.Success() {
		return p.fail(o, o.Result.Err)
	}
	if o.Result.Stream != nil {
		return o
	}

	if verr, panicked := p.guard(in.RequestID, func() error {
		var perr error
		o.Usage, perr = adapter.ParseUsage(in.Endpoint, o.Result.Body)
		return perr
	}); verr != nil {
		if panicked {
			return p.fail(o, verr)
		}
		p.logger.Warn("could not parse vendor usage",
			"request_id", in.RequestID, "vendor", o.Context.Vendor, "error", verr)
	}
	o.Usage.FillTotal()
	if o.Usage.Model == "" {
		o.Usage.Model = in.Request.Model
	}
	o.Result.Usage = o.Usage
	o.Cost = p.pricing.Calculate(in.Request.Model, o.Usage)
	o.complete()
	return o
}

func (p *Pipeline) fail(o *Outcome, verr *errors.VendorError) *Outcome {
	o.Err = verr
	if o.Result.StatusCode == 0 {
		o.Result.StatusCode = verr.HTTPStatus()
	}
	o.complete()
	return o
}

// complete records metrics and submits the usage entry exactly once.
func (o *Outcome) complete() {
	o.once.Do(func() {
		p := o.p
		latency := o.Latency()
		vendorName := o.Context.Vendor
		if vendorName == "" {
			vendorName = "none"
		}

		status := o.Result.StatusCode
		if o.Err != nil {
			status = o.Err.HTTPStatus()
			metrics.RecordFailure(vendorName, o.Context.Model, o.Err.Type, o.Err.Code)
			level := slog.LevelWarn
			if o.Err.Type == errors.TypeInternal {
				level = slog.LevelError
			}
			p.logger.With(observability.RequestAttrs(&o.Context)...).Log(context.Background(), level, "proxied request failed",
				"status", status,
				"retry_count", o.Result.RetryCount,
				"error", o.Err,
			)
		} else {
			metrics.RecordTokens(vendorName, o.Context.Model, o.Usage.InputTokens, o.Usage.OutputTokens)
			metrics.RecordSpend(vendorName, o.Context.Model, o.Cost)
			p.logger.With(observability.RequestAttrs(&o.Context)...).Info("proxied request completed",
				"status", status,
				"input_tokens", o.Usage.InputTokens,
				"output_tokens", o.Usage.OutputTokens,
				"cost_usd", pricing.Format(o.Cost),
				"retry_count", o.Result.RetryCount,
				"latency_ms", latency.Milliseconds(),
			)
		}
		metrics.RecordRequest(vendorName, o.Context.Model, string(o.Context.Endpoint), status, latency)

		if p.usage == nil {
			return
		}
		if !p.usage.Submit(o.entry(status, latency)) {
			p.logger.Debug("usage entry not queued", "request_id", o.Context.RequestID)
		}
	})
}

func (o *Outcome) entry(status int, latency time.Duration) usagelog.Entry {
	in := o.in
	e := usagelog.Entry{
		Timestamp:     o.Context.StartedAt.UTC(),
		RequestID:     o.Context.RequestID,
		TenantID:      o.Context.TenantID,
		CredentialID:  o.Context.CredentialID,
		KeySource:     string(o.KeySource),
		Vendor:        o.Context.Vendor,
		Model:         o.Context.Model,
		Endpoint:      string(o.Context.Endpoint),
		Stream:        in.Request.Stream,
		Fallback:      o.Context.Fallback,
		ClientIP:      o.Context.ClientIP,
		UserAgent:     o.Context.UserAgent,
		StatusCode:    status,
		Attempts:      o.Result.Attempts,
		RetryCount:    o.Result.RetryCount,
		Usage:         o.Usage,
		EstimatedCost: o.EstimatedCost,
		Performance: usagelog.Performance{
			AuthMs:    in.AuthDuration.Milliseconds(),
			RoutingMs: o.routingMs,
			VendorMs:  o.Result.Latency.Milliseconds(),
			TotalMs:   latency.Milliseconds(),
		},
		Request:  usagelog.BodyMap(in.RawBody),
		Metadata: o.Context.Metadata,
	}
	if o.Err == nil {
		e.ActualCost = o.Cost
		e.Response = usagelog.BodyMap(o.Result.Body)
	} else {
		e.Error = &usagelog.ErrorDetail{Type: o.Err.Type, Code: o.Err.Code, Message: o.Err.Message}
	}
	return e
}

// guard runs fn and converts both returned errors and panics into
// classified errors. Unclassified errors become internal errors.
func (p *Pipeline) guard(requestID string, fn func() error) (verr *errors.VendorError, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in pipeline",
				"request_id", requestID, "panic", r, "stack", string(debug.Stack()))
			verr = errors.NewInternal(fmt.Sprintf("panic: %v", r))
			panicked = true
		}
	}()
	if err := fn(); err != nil {
		return errors.As(err), false
	}
	return nil, false
}
