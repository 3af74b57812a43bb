package api //nolint:revive // package name is intentional

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// ErrorResponse is the error envelope of every failed proxied call.
type ErrorResponse struct {
	Error      ErrorDetail `json:"error"`
	RequestID  string      `json:"request_id"`
	RetryCount int         `json:"retry_count"`
	LatencyMs  int64       `json:"latency_ms"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, verr *errors.VendorError, retryCount int, latency time.Duration) {
	requestID := observability.RequestIDFromContext(r.Context())

	hdr := w.Header()
	hdr.Set(HeaderRetryCount, strconv.Itoa(retryCount))
	hdr.Set(HeaderLatencyMs, strconv.FormatInt(latency.Milliseconds(), 10))
	if verr.Vendor != "" {
		hdr.Set(HeaderVendor, verr.Vendor)
	}

	writeJSON(w, verr.HTTPStatus(), ErrorResponse{
		Error: ErrorDetail{
			Type:    verr.Type,
			Code:    verr.Code,
			Message: verr.Message,
		},
		RequestID:  requestID,
		RetryCount: retryCount,
		LatencyMs:  latency.Milliseconds(),
	})
}

func (h *Handler) writeAuthError(w http.ResponseWriter, r *http.Request, verr *errors.VendorError) {
	h.writeError(w, r, verr, 0, time.Since(requestStart(r.Context())))
}

// recoverer turns a handler panic into an internal error response.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("handler panic",
				"request_id", observability.RequestIDFromContext(r.Context()),
				"panic", fmt.Sprint(rec),
			)
			h.writeError(w, r, errors.NewInternal("internal server error"), 0, time.Since(requestStart(r.Context())))
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
