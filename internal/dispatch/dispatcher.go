// Package dispatch sends transformed requests to a vendor and retries
// retryable failures with capped exponential backoff.
//
// Each attempt moves through ATTEMPT → SUCCESS | RETRYABLE_FAILURE |
// FATAL_FAILURE. Retryable failures sleep and loop until the vendor's
// retry budget is spent; fatal failures return immediately.
package dispatch

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/httputil"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Call is one logical vendor request.
type Call struct {
	Descriptor *vendor.Descriptor
	Endpoint   types.Endpoint
	Model      string
	Credential string
	Body       []byte
	Stream     bool
	RequestID  string
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Dispatcher executes vendor calls. It is safe for concurrent use.
type Dispatcher struct {
	client  *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
	sleep   Sleeper
	maxBody int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = s }
}

// WithMaxBodyBytes caps how much of a non-streamed response is read.
func WithMaxBodyBytes(n int64) Option {
	return func(d *Dispatcher) { d.maxBody = n }
}

// New creates a dispatcher. A nil client gets a default transport without
// an overall timeout; per-attempt deadlines come from the descriptor.
func New(client *http.Client, logger *slog.Logger, opts ...Option) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer(observability.TracerName),
		sleep:   sleepContext,
		maxBody: httputil.DefaultMaxResponseBodyBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch runs the attempt loop. The result always carries the attempt
// count and the latency across all attempts and backoff sleeps.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) types.CallResult {
	start := time.Now()
	desc := call.Descriptor
	policy := desc.Retry
	maxAttempts := policy.MaxAttempts()

	var (
		lastErr  *errors.VendorError
		attempts int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		res, verr, retryAfter := d.attempt(ctx, call, attempt)
		if verr == nil {
			res.Attempts = attempts
			res.RetryCount = attempts - 1
			res.Latency = time.Since(start)
			return res
		}
		lastErr = verr

		if !verr.Retryable || attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := policy.Delay(attempt)
		if retryAfter > delay {
			delay = retryAfter
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		metrics.VendorRetries.WithLabelValues(desc.Name, verr.Code).Inc()
		d.logger.Warn("vendor attempt failed, retrying",
			"request_id", call.RequestID,
			"vendor", desc.Name,
			"model", call.Model,
			"attempt", attempt,
			"status", verr.UpstreamStatus,
			"tag", verr.Code,
			"delay_ms", delay.Milliseconds(),
		)

		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}

	return types.CallResult{
		StatusCode: lastErr.HTTPStatus(),
		Err:        lastErr,
		Attempts:   attempts,
		RetryCount: attempts - 1,
		Latency:    time.Since(start),
	}
}

// attempt performs one HTTP exchange. The per-attempt timeout covers the
// whole exchange for buffered calls and only time-to-headers for streams.
func (d *Dispatcher) attempt(ctx context.Context, call Call, n int) (types.CallResult, *errors.VendorError, time.Duration) {
	desc := call.Descriptor
	started := time.Now()

	url, err := desc.URL(call.Endpoint, call.Model, call.Stream)
	if err != nil {
		return types.CallResult{}, errors.As(err), 0
	}

	ctx, span := observability.StartAttemptSpan(ctx, d.tracer, observability.AttemptSpanAttributes{
		Vendor:   desc.Name,
		Model:    call.Model,
		Endpoint: string(call.Endpoint),
		Attempt:  n,
		Stream:   call.Stream,
	})
	defer span.End()

	actx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(desc.EffectiveTimeout(), func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(verr *errors.VendorError, outcome string) (types.CallResult, *errors.VendorError, time.Duration) {
		timer.Stop()
		cancel()
		observability.RecordError(span, verr)
		metrics.RecordAttempt(desc.Name, outcome, time.Since(started))
		return types.CallResult{}, verr, 0
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(call.Body))
	if err != nil {
		return fail(errors.NewInternal(fmt.Sprintf("build vendor request: %v", err)), errors.TypeInternal)
	}
	d.setHeaders(req, call)

	resp, err := d.client.Do(req)
	if err != nil {
		return fail(d.transportError(desc, err, timedOut.Load()), errors.TagNetwork)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := d.readBody(resp)
		timer.Stop()
		cancel()

		tag := desc.Tag(resp.StatusCode)
		verr := errors.NewVendor(desc.Name, resp.StatusCode, tag, provider.ErrorMessage(body), desc.Retry.Retryable(resp.StatusCode, tag))
		var retryAfter time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}

		observability.RecordError(span, verr)
		metrics.RecordAttempt(desc.Name, tag, time.Since(started))
		return types.CallResult{}, verr, retryAfter
	}

	header := resp.Header.Clone()
	encoding := header.Get("Content-Encoding")
	header.Del("Content-Encoding")
	header.Del("Content-Length")

	if call.Stream {
		// Headers arrived in time; the stream may now run as long as it needs.
		timer.Stop()
		stream, err := httputil.DecodeReadCloser(encoding, resp.Body)
		if err != nil {
			resp.Body.Close()
			return fail(errors.NewVendor(desc.Name, resp.StatusCode, errors.TagUnknown, err.Error(), false), errors.TagUnknown)
		}
		metrics.RecordAttempt(desc.Name, "success", time.Since(started))
		return types.CallResult{
			Stream:     &cancelOnClose{ReadCloser: stream, cancel: cancel},
			Header:     header,
			StatusCode: resp.StatusCode,
		}, nil, 0
	}

	body, err := d.readDecoded(resp, encoding)
	if err != nil {
		if stderrors.Is(err, httputil.ErrResponseBodyTooLarge) {
			return fail(errors.NewVendor(desc.Name, resp.StatusCode, errors.TagUnknown, err.Error(), false), errors.TagUnknown)
		}
		return fail(d.transportError(desc, err, timedOut.Load()), errors.TagNetwork)
	}
	timer.Stop()
	cancel()

	metrics.RecordAttempt(desc.Name, "success", time.Since(started))
	return types.CallResult{
		Body:       body,
		Header:     header,
		StatusCode: resp.StatusCode,
	}, nil, 0
}

func (d *Dispatcher) setHeaders(req *http.Request, call Call) {
	desc := call.Descriptor
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", httputil.AcceptEncoding)
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if call.RequestID != "" {
		req.Header.Set(observability.RequestIDHeader, call.RequestID)
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}
	if desc.AuthHeader != "" && call.Credential != "" {
		req.Header.Set(desc.AuthHeader, desc.AuthValue(call.Credential))
	}
}

// transportError classifies a failure that produced no HTTP status.
func (d *Dispatcher) transportError(desc *vendor.Descriptor, err error, timedOut bool) *errors.VendorError {
	if timedOut {
		return errors.NewNetwork(desc.Name,
			fmt.Sprintf("vendor did not respond within %s", desc.EffectiveTimeout()),
			desc.Retry.Retryable(0, errors.TagNetwork))
	}
	return errors.NewNetwork(desc.Name, err.Error(), desc.Retry.Retryable(0, errors.TagNetwork))
}

func (d *Dispatcher) readBody(resp *http.Response) []byte {
	body, _ := d.readDecoded(resp, resp.Header.Get("Content-Encoding"))
	return body
}

func (d *Dispatcher) readDecoded(resp *http.Response, encoding string) ([]byte, error) {
	defer resp.Body.Close()
	r, err := httputil.DecodeReader(encoding, resp.Body)
	if err != nil {
		return nil, err
	}
	return httputil.ReadLimitedBody(r, d.maxBody)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// cancelOnClose releases the attempt context when the stream is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
