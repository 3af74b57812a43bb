package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// RecordRequest records metrics for a completed proxied request.
func RecordRequest(vendor, model, endpoint string, statusCode int, latency time.Duration) {
	model = sanitizeModelLabel(model)
	ProxyTotalRequests.WithLabelValues(vendor, model, endpoint, strconv.Itoa(statusCode)).Inc()
	RequestTotalLatency.WithLabelValues(vendor, model).Observe(latency.Seconds())
}

// RecordFailure records a failed proxied request.
func RecordFailure(vendor, model, errType, errCode string) {
	ProxyFailedRequests.WithLabelValues(vendor, sanitizeModelLabel(model), errType, errCode).Inc()
}

// RecordTokens records token usage metrics.
func RecordTokens(vendor, model string, inputTokens, outputTokens int) {
	model = sanitizeModelLabel(model)
	if inputTokens > 0 {
		InputTokens.WithLabelValues(vendor, model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		OutputTokens.WithLabelValues(vendor, model).Add(float64(outputTokens))
	}
}

// RecordSpend adds a call's cost to the spend counter.
func RecordSpend(vendor, model string, cost decimal.Decimal) {
	if cost.IsPositive() {
		TotalSpend.WithLabelValues(vendor, sanitizeModelLabel(model)).Add(cost.InexactFloat64())
	}
}

// RecordAttempt records one vendor attempt.
func RecordAttempt(vendor, outcome string, latency time.Duration) {
	VendorAttempts.WithLabelValues(vendor, outcome).Inc()
	VendorAttemptLatency.WithLabelValues(vendor, outcome).Observe(latency.Seconds())
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware returns an HTTP middleware that records request metrics.
// Routes are labelled by their chi pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
		HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

const maxModelLabelLen = 64

func sanitizeModelLabel(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
