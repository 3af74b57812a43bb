package auth

import (
	"net/http"
	"time"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err *errors.VendorError)

// Middleware rejects requests without a valid tenant key and stores the
// tenant on the request context.
func Middleware(a *Authenticator, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			key, ok := KeyFromRequest(r)
			if !ok {
				writeErr(w, r, errors.NewUnauthorized(errors.CodeMissingAPIKey, "missing or malformed API key"))
				return
			}

			tenant, err := a.Authenticate(r.Context(), key)
			if err != nil {
				writeErr(w, r, errors.As(err))
				return
			}

			ctx := WithTenant(r.Context(), tenant)
			ctx = WithAuthDuration(ctx, time.Since(start))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
