package usecase

import (
	"context"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
)

// PublishNotificationUseCase валидирует событие и отправляет его в шину.
// Доставка идет тем же путем, что и у событий других сервисов.
type PublishNotificationUseCase struct {
	publisher port.NotificationPublisherPort
}

var _ usecases_port.PublishNotificationUseCasePort = (*PublishNotificationUseCase)(nil)

func NewPublishNotificationUseCase(publisher port.NotificationPublisherPort) *PublishNotificationUseCase {
	return &PublishNotificationUseCase{publisher: publisher}
}

func (uc *PublishNotificationUseCase) Execute(ctx context.Context, in domain.NotificationInput, eventID string) (string, error) {
	logger := contextkeys.LoggerFromContext(ctx).WithFields(port.Fields{"use_case": "PublishNotification"})

	event, err := domain.NewNotificationEvent(in)
	if err != nil {
		logger.Warn("Refusing to publish invalid notification", port.Fields{"reason": err.Error()})
		return "", err
	}

	messageID, err := uc.publisher.Publish(ctx, event, eventID)
	if err != nil {
		logger.Error("Failed to publish notification", err, port.Fields{"subject_id": event.RecipientID()})
		return "", fmt.Errorf("publish notification: %w", err)
	}

	logger.Info("Notification published", port.Fields{"subject_id": event.RecipientID(), "message_id": messageID})
	return messageID, nil
}
