package rest

import (
	"errors"
	"net/http"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"strings"
)

// CredentialExtractor достает учетные данные из запроса в том виде, в каком их ждет IdentityProviderPort
type CredentialExtractor func(r *http.Request) string

// BearerCredential - заголовок Authorization или параметр access_token.
// EventSource в браузере не умеет ставить заголовки, поэтому для SSE нужен query-параметр.
func BearerCredential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		return h
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// GatewayCredential - X-User-ID, который ставит API Gateway после проверки JWT
func GatewayCredential(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// AuthMiddleware определяет субъекта запроса и кладет его в контекст
func AuthMiddleware(identity port.IdentityProviderPort, credential CredentialExtractor) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := identity.ResolveSubject(r.Context(), credential(r))
			if err != nil {
				var authErr *domain.AuthenticationFailedError
				if errors.As(err, &authErr) {
					WriteJSONError(w, http.StatusUnauthorized, "Authentication error: "+authErr.Reason)
					return
				}
				contextkeys.LoggerFromContext(r.Context()).Error("Identity provider failed", err, nil)
				WriteJSONError(w, http.StatusServiceUnavailable, "Identity provider unavailable")
				return
			}

			ctx := contextkeys.ContextWithSubjectID(r.Context(), subjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
