package port

import (
	"context"
	"notification-service/internal/core/domain"
)

// IdempotencyTrackerPort - окно недавно обработанных событий
type IdempotencyTrackerPort interface {
	// Seen возвращает запись, если ключ есть в окне удержания
	Seen(ctx context.Context, key string) (*domain.DeliveryRecord, bool, error)
	Record(ctx context.Context, record domain.DeliveryRecord) error
}
