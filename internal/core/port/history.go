package port

import (
	"context"
	"notification-service/internal/core/domain"
)

// HistoryRecorderPort - fire-and-forget запись истории. Ошибки не влияют на подтверждение сообщения.
type HistoryRecorderPort interface {
	Append(ctx context.Context, entry domain.HistoryEntry)
}

// HistoryRepositoryPort - хранилище истории уведомлений
type HistoryRepositoryPort interface {
	Append(ctx context.Context, entry domain.HistoryEntry) error
	FindByRecipient(ctx context.Context, recipientID string, limit, offset int) ([]domain.HistoryEntry, int64, error)
}
