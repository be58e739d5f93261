package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// CredentialFromRequest extracts the bearer credential from the Authorization
// header, falling back to the access_token query parameter for clients such
// as EventSource that cannot set headers.
func CredentialFromRequest(r *http.Request) string {
	return Credential(r.Header.Get("Authorization"), r.URL.Query().Get("access_token"))
}

// Credential picks the credential from an Authorization header value or, when
// the header is absent, from an access token parameter.
func Credential(authorization, accessToken string) string {
	if authorization != "" {
		scheme, token, ok := strings.Cut(authorization, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return accessToken
}

// Middleware rejects requests without a valid credential and stores the
// caller identity in the request context.
func Middleware(v *Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(CredentialFromRequest(r))
			if err != nil {
				logger.Debug("credential rejected",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// writeUnauthorized answers with the same problem document shape the API
// uses for every other error.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="pyme"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(http.StatusUnauthorized),
		"status": http.StatusUnauthorized,
		"detail": "missing or invalid credential",
	})
}
