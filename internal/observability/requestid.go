package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions. It is also
// forwarded to vendors so their logs can be joined with ours.
const RequestIDHeader = "X-Request-ID"

// CorrelationIDHeader is accepted from callers that already use it.
const CorrelationIDHeader = "X-Correlation-ID"

const maxRequestIDLen = 128

type requestIDKey struct{}

// GenerateRequestID returns a time-ordered UUID so usage records sort by
// arrival when keyed on request ID.
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ContextWithRequestID stores id on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID on ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// GetOrCreateRequestID returns the ID already on ctx, generating and
// storing one when there is none.
func GetOrCreateRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return ContextWithRequestID(ctx, id), id
}

// RequestIDMiddleware assigns every request an ID and echoes it back. A
// caller supplied ID is kept when it is short and made of safe characters.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerRequestID(r.Header)
		if !ok {
			id = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

func callerRequestID(h http.Header) (string, bool) {
	for _, name := range []string{RequestIDHeader, CorrelationIDHeader} {
		if id := strings.TrimSpace(h.Get(name)); id != "" {
			return id, validRequestID(id)
		}
	}
	return "", false
}

// validRequestID limits caller IDs to [A-Za-z0-9._-] so they are safe to
// log and to forward upstream.
func validRequestID(id string) bool {
	if len(id) > maxRequestIDLen {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.')
	}) < 0
}
