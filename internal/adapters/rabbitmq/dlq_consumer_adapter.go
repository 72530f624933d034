package rabbitmq_adapter

import (
	"context"
	"encoding/json"
	"errors"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"notification-service/pkg/rabbitmq/rabbitmq_common"
	"notification-service/pkg/rabbitmq/rabbitmq_consumer"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DLQConsumerAdapter разбирает финальную DLQ: событие, исчерпавшее ретраи,
// попадает в историю как недоставленное
type DLQConsumerAdapter struct {
	supervisor *consumerSupervisor
	useCase    usecases_port.RecordDeadLetterUseCasePort
	logger     port.LoggerPort
}

var _ port.EventListenerPort = (*DLQConsumerAdapter)(nil)

func NewDLQConsumerAdapter(
	cfg rabbitmq_consumer.ConsumerConfig,
	useCase usecases_port.RecordDeadLetterUseCasePort,
	reconnect ReconnectConfig,
	logger port.LoggerPort,
	connManager *rabbitmq_common.ConnectionManager,
) (*DLQConsumerAdapter, error) {
	pkgLogger := logger.WithFields(port.Fields{"component": "rabbitmq_distributing_consumer", "consumer_tag": cfg.ConsumerTag})
	cfg.Logger = NewPkgLoggerBridge(pkgLogger)

	factory := func(handler rabbitmq_consumer.MessageHandler) (rabbitmq_consumer.Consumer, error) {
		return rabbitmq_consumer.NewDistributingConsumer(cfg, handler, connManager)
	}
	adapterLogger := logger.WithFields(port.Fields{"component": "DLQConsumerAdapter"})
	return &DLQConsumerAdapter{
		supervisor: newConsumerSupervisor(factory, reconnect, adapterLogger),
		useCase:    useCase,
		logger:     adapterLogger,
	}, nil
}

func (a *DLQConsumerAdapter) messageHandler(d amqp.Delivery) error {
	traceID := headerString(d, HeaderTraceID)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	msgLogger := a.logger.WithFields(port.Fields{
		"trace_id":     traceID,
		"delivery_tag": d.DeliveryTag,
		"message_id":   d.MessageId,
		"queue":        d.RoutingKey,
		"exchange":     d.Exchange,
	})

	var deathInfo interface{}
	if d.Headers != nil {
		deathInfo = d.Headers["x-death"]
	}
	msgLogger.Error("Processing dead letter from DLQ", nil, port.Fields{
		"body_as_string": string(d.Body),
		"x_death_info":   deathInfo,
	})

	ctx := contextkeys.ContextWithTraceID(context.Background(), traceID)

	var dto NotificationRequestedDTO
	if err := json.Unmarshal(d.Body, &dto); err != nil {
		msgLogger.Warn("Failed to unmarshal dead letter, dropping", port.Fields{"reason": err.Error()})
		return nil
	}

	handlerLogger := msgLogger.WithFields(port.Fields{"subject_id": dto.RecipientID})
	ctx = contextkeys.ContextWithLogger(ctx, handlerLogger)

	err := a.useCase.Execute(ctx, usecases_port.InboundNotification{
		Input:     dto.toInput(),
		MessageID: d.MessageId,
		EventID:   dto.EventID,
		Sequence:  sequenceOf(d),
	})

	var invalid *domain.InvalidEventError
	switch {
	case err == nil:
		handlerLogger.Debug("Dead letter recorded as undelivered", nil)
		return nil
	case errors.As(err, &invalid):
		handlerLogger.Warn("Dead letter is not a valid notification, dropping", port.Fields{"field": invalid.Field})
		return nil
	default:
		handlerLogger.Error("Failed to record dead letter, message will be nacked for retry.", err, nil)
		return err
	}
}

func (a *DLQConsumerAdapter) Start(ctx context.Context) error {
	return a.supervisor.run(ctx, a.messageHandler)
}

func (a *DLQConsumerAdapter) Close() error { return a.supervisor.close() }
