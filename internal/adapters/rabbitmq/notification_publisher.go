package rabbitmq_adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/contracts"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher - то, что нужно адаптеру от rabbitmq_producer.Publisher
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// NotificationPublisher отправляет NotificationRequestedEvent в шину
type NotificationPublisher struct {
	publisher  AMQPPublisher
	routingKey string
	now        func() time.Time
}

var _ port.NotificationPublisherPort = (*NotificationPublisher)(nil)

func NewNotificationPublisher(publisher AMQPPublisher, routingKey string) *NotificationPublisher {
	return &NotificationPublisher{publisher: publisher, routingKey: routingKey, now: time.Now}
}

// Publish возвращает MessageId: eventID продюсера, если он задан, иначе новый UUID
func (p *NotificationPublisher) Publish(ctx context.Context, event domain.NotificationEvent, eventID string) (string, error) {
	messageID := eventID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	now := p.now().UTC()
	dto := NotificationRequestedDTO{
		EventID:     messageID,
		RecipientID: event.RecipientID(),
		Title:       event.Title(),
		Message:     event.Message(),
		Type:        string(event.Type()),
		OccurredAt:  &now,
	}
	if related := event.RelatedEntity(); related != "" {
		dto.RelatedEntity = &related
	}

	body, err := json.Marshal(dto)
	if err != nil {
		return "", fmt.Errorf("marshal notification event: %w", err)
	}

	traceID := contextkeys.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    now,
		Body:         body,
		Headers: amqp.Table{
			HeaderEventType:    contracts.NotificationRequestedEvent,
			HeaderEventVersion: contracts.CurrentVersion,
			HeaderTraceID:      traceID,
		},
	}

	if err := p.publisher.Publish(ctx, p.routingKey, msg); err != nil {
		return "", err
	}
	return messageID, nil
}
