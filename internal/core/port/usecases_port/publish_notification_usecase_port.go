package usecases_port

import (
	"context"
	"notification-service/internal/core/domain"
)

type PublishNotificationUseCasePort interface {
	Execute(ctx context.Context, in domain.NotificationInput, eventID string) (string, error)
}
