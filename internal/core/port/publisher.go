package port

import (
	"context"
	"notification-service/internal/core/domain"
)

// NotificationPublisherPort публикует событие в шину (для сервисов без AMQP-клиента)
type NotificationPublisherPort interface {
	// Publish возвращает идентификатор сообщения, который станет ключом идемпотентности
	Publish(ctx context.Context, event domain.NotificationEvent, eventID string) (string, error)
}
