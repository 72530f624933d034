package port

import "context"

// IdentityProviderPort проверяет учетные данные входящего соединения и возвращает subject id.
// Ошибка - *domain.AuthenticationFailedError.
type IdentityProviderPort interface {
	ResolveSubject(ctx context.Context, credential string) (string, error)
}
