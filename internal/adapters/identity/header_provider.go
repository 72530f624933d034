package identity

import (
	"context"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"strings"
)

// HeaderProvider доверяет X-User-ID, который выставляет API Gateway после проверки JWT.
// Учетные данные - значение заголовка как есть.
type HeaderProvider struct{}

var _ port.IdentityProviderPort = HeaderProvider{}

func NewHeaderProvider() HeaderProvider {
	return HeaderProvider{}
}

func (HeaderProvider) ResolveSubject(ctx context.Context, credential string) (string, error) {
	subject := strings.TrimSpace(credential)
	if subject == "" {
		// либо ошибка конфигурации, либо прямой доступ в обход Gateway
		return "", &domain.AuthenticationFailedError{Reason: "user id header is missing"}
	}
	if !domain.ValidSubjectID(subject) {
		return "", &domain.AuthenticationFailedError{Reason: "invalid user id format"}
	}
	return subject, nil
}
