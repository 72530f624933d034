package usecase

import (
	"context"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"time"
)

// NoopHistoryRecorder используется, когда хранилище истории не настроено
type NoopHistoryRecorder struct{}

func (NoopHistoryRecorder) Append(ctx context.Context, entry domain.HistoryEntry) {}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type GetHistoryUseCase struct {
	repo port.HistoryRepositoryPort
}

var _ usecases_port.GetHistoryUseCasePort = (*GetHistoryUseCase)(nil)

// NewGetHistoryUseCase принимает nil, если история выключена: тогда Execute вернет ErrHistoryUnavailable
func NewGetHistoryUseCase(repo port.HistoryRepositoryPort) *GetHistoryUseCase {
	return &GetHistoryUseCase{repo: repo}
}

func (uc *GetHistoryUseCase) Execute(ctx context.Context, recipientID string, limit, offset int) ([]domain.HistoryEntry, int64, error) {
	if uc.repo == nil {
		return nil, 0, domain.ErrHistoryUnavailable
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := uc.repo.FindByRecipient(ctx, recipientID, limit, offset)
	if err != nil {
		contextkeys.LoggerFromContext(ctx).Error("Failed to load notification history", err, port.Fields{
			"use_case":   "GetHistory",
			"subject_id": recipientID,
		})
		return nil, 0, fmt.Errorf("load history: %w", err)
	}
	return entries, total, nil
}

// RecordDeadLetterUseCase записывает в историю событие, которое так и не было доставлено
type RecordDeadLetterUseCase struct {
	history port.HistoryRecorderPort
	now     func() time.Time
}

var _ usecases_port.RecordDeadLetterUseCasePort = (*RecordDeadLetterUseCase)(nil)

func NewRecordDeadLetterUseCase(history port.HistoryRecorderPort) *RecordDeadLetterUseCase {
	if history == nil {
		history = NoopHistoryRecorder{}
	}
	return &RecordDeadLetterUseCase{history: history, now: time.Now}
}

// Execute использует тот же ключ, что и диспетчер, поэтому запись ложится поверх
// возможной более ранней записи об этом же событии
func (uc *RecordDeadLetterUseCase) Execute(ctx context.Context, in usecases_port.InboundNotification) error {
	event, err := domain.NewNotificationEvent(in.Input)
	if err != nil {
		return err
	}
	uc.history.Append(ctx, domain.HistoryEntry{
		NotificationID: NotificationID(IdempotencyKey(event, in)),
		RecipientID:    event.RecipientID(),
		Title:          event.Title(),
		Message:        event.Message(),
		Type:           event.Type(),
		RelatedEntity:  event.RelatedEntity(),
		Delivered:      false,
		CreatedAt:      uc.now().UTC(),
	})
	return nil
}
