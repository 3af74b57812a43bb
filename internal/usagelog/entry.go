// Package usagelog ships one usage record per proxied call to external
// sinks without ever blocking the response path.
package usagelog

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Performance is the latency breakdown of one call in milliseconds.
type Performance struct {
	AuthMs    int64 `json:"auth_ms"`
	RoutingMs int64 `json:"routing_ms"`
	VendorMs  int64 `json:"vendor_ms"`
	TotalMs   int64 `json:"total_ms"`
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Entry is the record submitted for every call.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id"`
	CredentialID string    `json:"credential_id,omitempty"`
	KeySource    string    `json:"key_source,omitempty"`
	Vendor       string    `json:"vendor"`
	Model        string    `json:"model"`
	Endpoint     string    `json:"endpoint"`
	Stream       bool      `json:"stream"`
	Fallback     bool      `json:"vendor_fallback,omitempty"`

	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	StatusCode int `json:"status_code"`
	Attempts   int `json:"attempts"`
	RetryCount int `json:"retry_count"`

	Usage         types.Usage     `json:"usage"`
	EstimatedCost decimal.Decimal `json:"estimated_cost_usd"`
	ActualCost    decimal.Decimal `json:"actual_cost_usd"`
	Performance   Performance     `json:"performance"`

	Request  map[string]any    `json:"request,omitempty"`
	Response map[string]any    `json:"response,omitempty"`
	Error    *ErrorDetail      `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MaxLoggedBodyBytes bounds how much of a vendor body is copied into an entry.
const MaxLoggedBodyBytes = 64 << 10

// BodyMap decodes a JSON object for logging. Oversized or non-object bodies
// are summarised instead.
func BodyMap(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	if len(body) > MaxLoggedBodyBytes {
		return map[string]any{"truncated": true, "bytes": len(body)}
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return map[string]any{"unparsed": true, "bytes": len(body)}
	}
	return m
}
