package usecases_port

import (
	"context"
	"notification-service/internal/core/domain"
)

type GetHistoryUseCasePort interface {
	Execute(ctx context.Context, recipientID string, limit, offset int) ([]domain.HistoryEntry, int64, error)
}
