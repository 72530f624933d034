package usecase

import (
	"context"
	"errors"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type DispatchConfig struct {
	// PushTimeout - предел ожидания отправки в одно соединение
	PushTimeout time.Duration
	// MaxParallelPushes ограничивает fan-out одного события
	MaxParallelPushes int
	Now               func() time.Time
}

// DispatchNotificationUseCase доставляет одно событие из шины во все живые соединения получателя
type DispatchNotificationUseCase struct {
	registry  port.ConnectionRegistryPort
	tracker   port.IdempotencyTrackerPort
	history   port.HistoryRecorderPort
	sequencer *SubjectSequencer
	cfg       DispatchConfig
}

var _ usecases_port.DispatchNotificationUseCasePort = (*DispatchNotificationUseCase)(nil)

func NewDispatchNotificationUseCase(
	registry port.ConnectionRegistryPort,
	tracker port.IdempotencyTrackerPort,
	history port.HistoryRecorderPort,
	sequencer *SubjectSequencer,
	cfg DispatchConfig,
) *DispatchNotificationUseCase {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.MaxParallelPushes <= 0 {
		cfg.MaxParallelPushes = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sequencer == nil {
		sequencer = NewSubjectSequencer()
	}
	if history == nil {
		history = NoopHistoryRecorder{}
	}
	return &DispatchNotificationUseCase{
		registry:  registry,
		tracker:   tracker,
		history:   history,
		sequencer: sequencer,
		cfg:       cfg,
	}
}

// Execute возвращает *domain.InvalidEventError для невалидного события (подтвердить и отбросить),
// запись с OutcomeDuplicate для повтора, прочие ошибки - не по событию (трекер недоступен, отмена).
func (uc *DispatchNotificationUseCase) Execute(ctx context.Context, in usecases_port.InboundNotification) (*domain.DeliveryRecord, error) {
	logger := contextkeys.LoggerFromContext(ctx).WithFields(port.Fields{
		"use_case":   "DispatchNotification",
		"message_id": in.MessageID,
	})

	event, err := domain.NewNotificationEvent(in.Input)
	if err != nil {
		logger.Warn("Notification event rejected", port.Fields{"reason": err.Error()})
		return nil, err
	}

	key := IdempotencyKey(event, in)
	logger = logger.WithFields(port.Fields{
		"subject_id":      event.RecipientID(),
		"idempotency_key": key,
	})

	// проверка окна и запись результата под одной блокировкой получателя
	unlock := uc.sequencer.Lock(event.RecipientID())
	defer unlock()

	if previous, seen, err := uc.tracker.Seen(ctx, key); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if seen {
		logger.Info("Duplicate delivery skipped", port.Fields{"previous_outcome": previous.Outcome})
		return &domain.DeliveryRecord{
			Key:            key,
			NotificationID: previous.NotificationID,
			SubjectID:      event.RecipientID(),
			Outcome:        domain.OutcomeDuplicate,
			RecordedAt:     uc.cfg.Now(),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dispatch cancelled before push: %w", err)
	}

	now := uc.cfg.Now().UTC()
	msg := domain.PushMessage{
		NotificationID: NotificationID(key),
		Title:          event.Title(),
		Message:        event.Message(),
		Type:           event.Type(),
		RelatedEntity:  event.RelatedEntity(),
		CreatedAt:      now,
	}

	connections := uc.registry.ConnectionsFor(event.RecipientID())
	succeeded := uc.fanOut(ctx, logger, connections, msg)

	// принудительная остановка оборвала отправку: событие не подтверждается и придет повторно
	if err := ctx.Err(); err != nil {
		logger.Warn("Dispatch aborted during push", port.Fields{"attempted": len(connections), "succeeded": succeeded})
		return nil, fmt.Errorf("dispatch cancelled during push: %w", err)
	}

	record := domain.DeliveryRecord{
		Key:            key,
		NotificationID: msg.NotificationID,
		SubjectID:      event.RecipientID(),
		Outcome:        domain.OutcomeFor(len(connections), succeeded),
		Attempted:      len(connections),
		Succeeded:      succeeded,
		RecordedAt:     now,
	}

	if err := uc.tracker.Record(ctx, record); err != nil {
		// пуши уже выполнены; повторная доставка допустима при at-least-once
		logger.Error("Failed to record delivery in idempotency window", err, nil)
	}

	uc.history.Append(ctx, domain.HistoryEntry{
		NotificationID: msg.NotificationID,
		RecipientID:    event.RecipientID(),
		Title:          msg.Title,
		Message:        msg.Message,
		Type:           msg.Type,
		RelatedEntity:  msg.RelatedEntity,
		Delivered:      succeeded > 0,
		CreatedAt:      now,
	})

	logger.Info("Notification dispatched", port.Fields{
		"outcome":         record.Outcome,
		"attempted":       record.Attempted,
		"succeeded":       record.Succeeded,
		"notification_id": record.NotificationID,
	})
	return &record, nil
}

// fanOut отправляет сообщение во все соединения параллельно. Ошибка одного соединения
// логируется и не влияет на остальные. Возвращает число успешных отправок.
func (uc *DispatchNotificationUseCase) fanOut(ctx context.Context, logger port.LoggerPort, connections []domain.Connection, msg domain.PushMessage) int {
	if len(connections) == 0 {
		return 0
	}

	var succeeded atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(uc.cfg.MaxParallelPushes)

	for _, conn := range connections {
		g.Go(func() error {
			pushCtx, cancel := context.WithTimeout(ctx, uc.cfg.PushTimeout)
			defer cancel()

			if err := conn.Sender.Send(pushCtx, msg); err != nil {
				if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrPushTimeout) {
					err = fmt.Errorf("%w: %w", domain.ErrPushTimeout, err)
				}
				pushErr := &domain.PushDeliveryError{ConnectionID: conn.ID, SubjectID: conn.SubjectID, Err: err}
				logger.Warn("Push to connection failed", port.Fields{
					"connection_id": conn.ID,
					"error":         pushErr.Error(),
				})
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load())
}
