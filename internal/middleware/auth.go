package middleware

import (
	"context"
	"net/http"

	apierrors "github.com/ndwlabs/ndw-gateway/internal/pkg/errors"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/response"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// CallerKeyKey is the context key carrying the authenticated caller
// identity (the API key, or "anonymous" when auth is disabled).
const CallerKeyKey contextKey = "caller_key"

// APIKeyAuth returns an X-API-Key authentication middleware. An empty
// key set disables authentication entirely: every caller passes as
// "anonymous". This is the local-dev and test configuration.
func APIKeyAuth(keys map[string]bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				ctx := context.WithValue(r.Context(), CallerKeyKey, "anonymous")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" || !keys[apiKey] {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CallerKeyKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerKey retrieves the caller identity from context.
func CallerKey(ctx context.Context) string {
	if v := ctx.Value(CallerKeyKey); v != nil {
		return v.(string)
	}
	return "anonymous"
}
