package types //nolint:revive // package name is intentional

import (
	"io"
	"net/http"
	"time"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// Usage is the vendor-neutral token accounting of one call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Model        string  `json:"model,omitempty"`
	FinishReason *string `json:"finish_reason,omitempty"`
	UpstreamID   *string `json:"upstream_id,omitempty"`
}

// FillTotal sets TotalTokens to input+output when the vendor did not report it.
func (u *Usage) FillTotal() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}

// RequestContext is the per-call state created when a request arrives.
// It is owned by a single request and never shared.
type RequestContext struct {
	RequestID    string
	TenantID     string
	CredentialID string
	Vendor       string
	Model        string
	Endpoint     Endpoint
	StartedAt    time.Time

	// Fallback is set when the vendor was chosen by the registry's default
	// rather than a catalog or heuristic match.
	Fallback bool

	ClientIP  string
	UserAgent string
	Metadata  map[string]string
}

// CallResult is the outcome of a full dispatch sequence. Exactly one of
// the success payload (Body or Stream) and Err is set.
type CallResult struct {
	Body       []byte
	Stream     io.ReadCloser
	Header     http.Header
	StatusCode int
	Usage      Usage

	Err *errors.VendorError

	Attempts   int
	RetryCount int
	Latency    time.Duration
}

// Success reports whether the dispatch ended in a 2xx response.
func (r *CallResult) Success() bool {
	return r.Err == nil
}
