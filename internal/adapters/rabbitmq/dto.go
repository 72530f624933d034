package rabbitmq_adapter

import (
	"fmt"
	"notification-service/internal/core/domain"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Заголовки сообщений шины
const (
	HeaderEventType    = "event-type"
	HeaderEventVersion = "event-version"
	HeaderTraceID      = "x-trace-id"
	HeaderSequence     = "x-sequence"
)

// NotificationRequestedDTO - тело события NotificationRequestedEvent/1.0.0
type NotificationRequestedDTO struct {
	EventID       string     `json:"event_id,omitempty"`
	RecipientID   string     `json:"recipient_id"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Type          string     `json:"type"`
	RelatedEntity *string    `json:"related_entity,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
}

func (d NotificationRequestedDTO) toInput() domain.NotificationInput {
	in := domain.NotificationInput{
		RecipientID: d.RecipientID,
		Title:       d.Title,
		Message:     d.Message,
		Type:        d.Type,
	}
	if d.RelatedEntity != nil {
		in.RelatedEntity = *d.RelatedEntity
	}
	return in
}

func headerString(d amqp.Delivery, key string) string {
	if d.Headers == nil {
		return ""
	}
	switch v := d.Headers[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// sequenceOf - порядковый номер продюсера; без заголовка - время публикации.
// Оба значения сохраняются при передоставке, поэтому ключ идемпотентности стабилен.
func sequenceOf(d amqp.Delivery) string {
	if seq := headerString(d, HeaderSequence); seq != "" {
		return seq
	}
	if !d.Timestamp.IsZero() {
		return fmt.Sprintf("ts:%d", d.Timestamp.UnixNano())
	}
	return ""
}
