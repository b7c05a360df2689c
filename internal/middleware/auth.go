package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mivox/chatstream/internal/service/auth"
	"github.com/mivox/chatstream/pkg/utils"
)

type contextKey string

const principalKey contextKey = "principal"

// RequireAuth verifies the bearer credential once per request and stows
// the resolved principal in the request context.
func RequireAuth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "invalid or missing credential")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the credential from the Authorization header,
// falling back to the token query parameter for EventSource clients that
// cannot set headers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// PrincipalFrom returns the authenticated principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(auth.Principal)
	return principal, ok
}
