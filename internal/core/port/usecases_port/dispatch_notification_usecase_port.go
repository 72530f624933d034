package usecases_port

import (
	"context"
	"notification-service/internal/core/domain"
)

// InboundNotification - событие из шины вместе с метаданными доставки
type InboundNotification struct {
	Input     domain.NotificationInput
	MessageID string // AMQP MessageId
	EventID   string // event_id из тела от продюсера
	Sequence  string // заголовок x-sequence
}

type DispatchNotificationUseCasePort interface {
	Execute(ctx context.Context, in InboundNotification) (*domain.DeliveryRecord, error)
}
