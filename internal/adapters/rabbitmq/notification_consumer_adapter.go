package rabbitmq_adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"notification-service/pkg/rabbitmq/rabbitmq_common"
	"notification-service/pkg/rabbitmq/rabbitmq_consumer"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventValidator - проверка тела сообщения по схеме
type EventValidator interface {
	ValidateEvent(eventType, eventVersion string, body []byte) error
}

// NotificationConsumerAdapter читает NotificationRequestedEvent и передает их диспетчеру.
// Сообщения одного получателя обрабатываются по порядку (партиционирование по recipient_id).
type NotificationConsumerAdapter struct {
	supervisor *consumerSupervisor
	validator  EventValidator
	useCase    usecases_port.DispatchNotificationUseCasePort
	logger     port.LoggerPort

	// handlerCtx отменяется только при принудительной остановке
	handlerCtx context.Context
	abort      context.CancelFunc
}

var _ port.EventListenerPort = (*NotificationConsumerAdapter)(nil)

func NewNotificationConsumerAdapter(
	cfg rabbitmq_consumer.ConsumerConfig,
	partitions int,
	validator EventValidator,
	uc usecases_port.DispatchNotificationUseCasePort,
	reconnect ReconnectConfig,
	logger port.LoggerPort,
	connManager *rabbitmq_common.ConnectionManager,
) (*NotificationConsumerAdapter, error) {
	if validator == nil || uc == nil {
		return nil, fmt.Errorf("notification consumer: validator and use case are required")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("notification consumer: partitions must be positive, got %d", partitions)
	}

	pkgLogger := logger.WithFields(port.Fields{"component": "rabbitmq_partitioned_consumer", "consumer_tag": cfg.ConsumerTag})
	cfg.Logger = NewPkgLoggerBridge(pkgLogger)

	factory := func(handler rabbitmq_consumer.MessageHandler) (rabbitmq_consumer.Consumer, error) {
		return rabbitmq_consumer.NewPartitionedConsumer(cfg, handler, PartitionByRecipient, partitions, connManager)
	}
	return newNotificationConsumerAdapter(factory, validator, uc, reconnect, logger), nil
}

func newNotificationConsumerAdapter(
	factory ConsumerFactory,
	validator EventValidator,
	uc usecases_port.DispatchNotificationUseCasePort,
	reconnect ReconnectConfig,
	logger port.LoggerPort,
) *NotificationConsumerAdapter {
	adapterLogger := logger.WithFields(port.Fields{"component": "NotificationConsumerAdapter"})
	handlerCtx, abort := context.WithCancel(context.Background())
	return &NotificationConsumerAdapter{
		supervisor: newConsumerSupervisor(factory, reconnect, adapterLogger),
		validator:  validator,
		useCase:    uc,
		logger:     adapterLogger,
		handlerCtx: handlerCtx,
		abort:      abort,
	}
}

// PartitionByRecipient - ключ партиции из тела сообщения. Битое тело попадает в общую партицию
// и будет отброшено обработчиком.
func PartitionByRecipient(d amqp.Delivery) string {
	var body struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return ""
	}
	// совпадает с нормализацией получателя в domain.NewNotificationEvent
	return strings.TrimSpace(body.RecipientID)
}

// Start потребляет сообщения до отмены ctx, переподключаясь при потере соединения
func (a *NotificationConsumerAdapter) Start(ctx context.Context) error {
	return a.supervisor.run(ctx, a.messageHandler)
}

// Close останавливает текущего потребителя, дожидаясь активных обработчиков
func (a *NotificationConsumerAdapter) Close() error {
	return a.supervisor.close()
}

// Abort прерывает обработчики в полете: их сообщения остаются неподтвержденными
// и будут передоставлены брокером
func (a *NotificationConsumerAdapter) Abort() {
	a.abort()
}

func (a *NotificationConsumerAdapter) messageHandler(d amqp.Delivery) error {
	traceID := headerString(d, HeaderTraceID)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	msgLogger := a.logger.WithFields(port.Fields{
		"trace_id":     traceID,
		"delivery_tag": d.DeliveryTag,
		"message_id":   d.MessageId,
	})

	ctx := contextkeys.ContextWithTraceID(a.handlerCtx, traceID)

	if err := a.validator.ValidateEvent(headerString(d, HeaderEventType), headerString(d, HeaderEventVersion), d.Body); err != nil {
		msgLogger.Warn("Event failed schema validation, acking and dropping", port.Fields{"reason": err.Error()})
		return nil
	}

	var dto NotificationRequestedDTO
	if err := json.Unmarshal(d.Body, &dto); err != nil {
		msgLogger.Warn("Failed to unmarshal notification event, acking and dropping", port.Fields{"reason": err.Error()})
		return nil
	}

	handlerLogger := msgLogger.WithFields(port.Fields{"subject_id": dto.RecipientID})
	ctx = contextkeys.ContextWithLogger(ctx, handlerLogger)

	record, err := a.useCase.Execute(ctx, usecases_port.InboundNotification{
		Input:     dto.toInput(),
		MessageID: d.MessageId,
		EventID:   dto.EventID,
		Sequence:  sequenceOf(d),
	})

	var invalid *domain.InvalidEventError
	switch {
	case err == nil:
		handlerLogger.Debug("Event handled", port.Fields{"outcome": record.Outcome})
		return nil
	case errors.As(err, &invalid):
		handlerLogger.Warn("Invalid notification event, acking and dropping", port.Fields{"field": invalid.Field, "reason": invalid.Reason})
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", rabbitmq_consumer.ErrDeliveryAbandoned, err)
	default:
		handlerLogger.Error("Failed to dispatch notification, message will be nacked for retry.", err, nil)
		return err
	}
}
