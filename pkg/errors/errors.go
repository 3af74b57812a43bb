// Package errors defines the error taxonomy shared by the proxy pipeline.
// Every failure that reaches a caller is expressed as a *VendorError so the
// HTTP layer can map it to one status code and one structured body.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// VendorError is a classified failure of the request pipeline.
type VendorError struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Vendor     string `json:"-"`
	Retryable  bool   `json:"-"`

	// UpstreamStatus is the HTTP status the vendor returned, 0 for transport failures.
	UpstreamStatus int `json:"-"`
}

// Error implements the error interface.
func (e *VendorError) Error() string {
	if e.Vendor != "" {
		return fmt.Sprintf("[%s/%s] %s (vendor=%s, status=%d)", e.Type, e.Code, e.Message, e.Vendor, e.StatusCode)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Type, e.Code, e.Message)
}

// HTTPStatus returns the status code surfaced to the caller.
func (e *VendorError) HTTPStatus() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error classes.
const (
	TypeCredential = "credential_error"
	TypeValidation = "validation_error"
	TypeQuota      = "quota_error"
	TypeVendor     = "vendor_error"
	TypeNetwork    = "network_error"
	TypeInternal   = "internal_error"
)

// Vendor error tags. These are looked up from a vendor's status table.
const (
	TagUnknown            = "unknown_error"
	TagNetwork            = "network_error"
	TagTimeout            = "timeout_error"
	TagInvalidRequest     = "invalid_request_error"
	TagAuthentication     = "authentication_error"
	TagPermission         = "permission_error"
	TagNotFound           = "not_found_error"
	TagRequestTooLarge    = "request_too_large"
	TagRateLimit          = "rate_limit_error"
	TagAPIError           = "api_error"
	TagBadGateway         = "bad_gateway"
	TagServiceUnavailable = "service_unavailable_error"
	TagOverloaded         = "overloaded_error"
)

// Codes for failures raised by the proxy itself.
const (
	CodeCredentialNotFound = "credential_not_found"
	CodeMissingAPIKey      = "missing_api_key"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInvalidRequest     = "invalid_request"
	CodeUnsupported        = "unsupported_endpoint"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeTokenLimited       = "token_limit_exceeded"
	CodeInternal           = "internal_error"
)

// NewCredentialNotFound reports that neither a tenant nor a system key exists.
func NewCredentialNotFound(vendor string) *VendorError {
	return &VendorError{
		Type:       TypeCredential,
		Code:       CodeCredentialNotFound,
		Message:    fmt.Sprintf("no usable credential for vendor %q", vendor),
		StatusCode: http.StatusUnauthorized,
		Vendor:     vendor,
	}
}

// NewUnauthorized reports a missing or rejected tenant API key.
func NewUnauthorized(code, message string) *VendorError {
	return &VendorError{
		Type:       TypeCredential,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewValidation reports a malformed generic request.
func NewValidation(message string) *VendorError {
	return &VendorError{
		Type:       TypeValidation,
		Code:       CodeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewUnsupported reports an endpoint the resolved vendor cannot serve.
func NewUnsupported(vendor, endpoint string) *VendorError {
	return &VendorError{
		Type:       TypeValidation,
		Code:       CodeUnsupported,
		Message:    fmt.Sprintf("vendor %q does not support %s", vendor, endpoint),
		StatusCode: http.StatusBadRequest,
		Vendor:     vendor,
	}
}

// NewQuotaExceeded reports a tenant over its request or token budget.
func NewQuotaExceeded(code, message string) *VendorError {
	return &VendorError{
		Type:       TypeQuota,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewVendor classifies a non-2xx vendor response tagged with tag.
func NewVendor(vendor string, upstreamStatus int, tag, message string, retryable bool) *VendorError {
	return &VendorError{
		Type:           TypeVendor,
		Code:           tag,
		Message:        message,
		StatusCode:     StatusForTag(tag, upstreamStatus),
		Vendor:         vendor,
		Retryable:      retryable,
		UpstreamStatus: upstreamStatus,
	}
}

// NewNetwork reports a transport failure or an attempt timeout.
func NewNetwork(vendor, message string, retryable bool) *VendorError {
	return &VendorError{
		Type:       TypeNetwork,
		Code:       TagNetwork,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Vendor:     vendor,
		Retryable:  retryable,
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(message string) *VendorError {
	return &VendorError{
		Type:       TypeInternal,
		Code:       CodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// StatusForTag maps a vendor tag to the status returned to the caller.
// Upstream auth failures are the proxy's key problem, not the caller's, so
// they surface as a bad gateway.
func StatusForTag(tag string, upstreamStatus int) int {
	switch tag {
	case TagRateLimit:
		return http.StatusTooManyRequests
	case TagInvalidRequest, TagRequestTooLarge:
		return http.StatusBadRequest
	case TagNotFound:
		return http.StatusNotFound
	case TagServiceUnavailable, TagOverloaded:
		return http.StatusServiceUnavailable
	case TagTimeout:
		return http.StatusGatewayTimeout
	}
	if upstreamStatus >= 400 && upstreamStatus < 500 && tag == TagUnknown {
		return upstreamStatus
	}
	return http.StatusBadGateway
}

// As returns err as a *VendorError, wrapping unknown errors as internal.
func As(err error) *VendorError {
	if err == nil {
		return nil
	}
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve
	}
	return NewInternal(err.Error())
}
