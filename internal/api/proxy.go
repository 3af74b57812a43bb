package api //nolint:revive // package name is intentional

import (
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/gateway"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pricing"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/streaming"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Response headers carrying the call summary.
const (
	HeaderVendor        = "X-Vendor"
	HeaderModel         = "X-Model"
	HeaderCost          = "X-Cost-USD"
	HeaderEstimatedCost = "X-Estimated-Cost-USD"
	HeaderInputTokens   = "X-Input-Tokens"
	HeaderOutputTokens  = "X-Output-Tokens"
	HeaderTotalTokens   = "X-Total-Tokens"
	HeaderLatencyMs     = "X-Latency-Ms"
	HeaderRetryCount    = "X-Retry-Count"
	HeaderFallback      = "X-Vendor-Fallback"
)

// streamTrailers are only known once a stream ends.
var streamTrailers = []string{HeaderCost, HeaderInputTokens, HeaderOutputTokens, HeaderTotalTokens, HeaderLatencyMs}

// handleVendorRequest is the single entry point for proxied calls.
func (h *Handler) handleVendorRequest(endpoint types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := requestStart(r.Context())

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			verr := errors.NewValidation("failed to read request body")
			var maxErr *http.MaxBytesError
			if stderrors.As(err, &maxErr) {
				verr = errors.NewValidation("request body too large")
				verr.StatusCode = http.StatusRequestEntityTooLarge
			}
			h.writeError(w, r, verr, 0, time.Since(start))
			return
		}

		var req types.Request
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, r, errors.NewValidation("invalid JSON: "+err.Error()), 0, time.Since(start))
			return
		}

		out := h.pipeline.Handle(r.Context(), &gateway.Inbound{
			RequestID:    observability.RequestIDFromContext(r.Context()),
			Tenant:       auth.TenantFromContext(r.Context()),
			Endpoint:     endpoint,
			Request:      &req,
			RawBody:      body,
			ClientIP:     clientIP(r),
			UserAgent:    r.UserAgent(),
			StartedAt:    start,
			AuthDuration: auth.AuthDurationFromContext(r.Context()),
		})

		if !out.Success() {
			if out.Context.Vendor != "" && out.Err.Vendor == "" {
				w.Header().Set(HeaderVendor, out.Context.Vendor)
			}
			h.writeError(w, r, out.Err, out.RetryCount(), out.Latency())
			return
		}

		h.writeSummaryHeaders(w.Header(), out)
		if out.Streaming() {
			h.forwardStream(w, r, out)
			return
		}

		setUsageHeaders(w.Header(), out)
		if ct := out.Result.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(out.Result.Body)))
		w.WriteHeader(out.Result.StatusCode)
		if _, err := w.Write(out.Result.Body); err != nil {
			h.logger.Debug("client went away before the body was written",
				"request_id", out.Context.RequestID, "error", err)
		}
	}
}

func (h *Handler) forwardStream(w http.ResponseWriter, r *http.Request, out *gateway.Outcome) {
	w.Header().Set("Trailer", strings.Join(streamTrailers, ", "))

	fwd, err := streaming.NewForwarder(streaming.ForwarderConfig{
		Upstream:   out.Result.Stream,
		Downstream: w,
		Observer:   out.Observe,
		ClientCtx:  r.Context(),
	})
	if err != nil {
		_ = out.Result.Stream.Close()
		out.Finish(err)
		h.writeError(w, r, errors.NewInternal(err.Error()), out.RetryCount(), out.Latency())
		return
	}

	ferr := fwd.Forward()
	out.Finish(ferr)
	if ferr != nil {
		h.logger.Warn("stream forwarding ended early",
			"request_id", out.Context.RequestID,
			"vendor", out.Context.Vendor,
			"error", ferr,
		)
	}
	setUsageHeaders(w.Header(), out)
}

func (h *Handler) writeSummaryHeaders(hdr http.Header, out *gateway.Outcome) {
	hdr.Set(HeaderVendor, out.Context.Vendor)
	hdr.Set(HeaderModel, out.Context.Model)
	hdr.Set(HeaderEstimatedCost, pricing.Format(out.EstimatedCost))
	hdr.Set(HeaderRetryCount, strconv.Itoa(out.RetryCount()))
	if out.Context.Fallback {
		hdr.Set(HeaderFallback, "true")
	}
}

func setUsageHeaders(hdr http.Header, out *gateway.Outcome) {
	hdr.Set(HeaderCost, pricing.Format(out.Cost))
	hdr.Set(HeaderInputTokens, strconv.Itoa(out.Usage.InputTokens))
	hdr.Set(HeaderOutputTokens, strconv.Itoa(out.Usage.OutputTokens))
	hdr.Set(HeaderTotalTokens, strconv.Itoa(out.Usage.TotalTokens))
	hdr.Set(HeaderLatencyMs, strconv.FormatInt(out.Latency().Milliseconds(), 10))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
