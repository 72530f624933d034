package domain

import "time"

// DeliveryOutcome - итог обработки одного события
type DeliveryOutcome string

const (
	OutcomeDelivered          DeliveryOutcome = "delivered"
	OutcomeZeroLiveConnection DeliveryOutcome = "delivered_to_zero_live_connections"
	OutcomeFailed             DeliveryOutcome = "failed"
	// OutcomeDuplicate не хранится в трекере, только возвращается вызывающему
	OutcomeDuplicate DeliveryOutcome = "duplicate"
)

// DeliveryRecord - запись о попытке доставки для дедупликации в ограниченном окне
type DeliveryRecord struct {
	Key            string          `json:"key"`
	NotificationID string          `json:"notification_id"`
	SubjectID      string          `json:"subject_id"`
	Outcome        DeliveryOutcome `json:"outcome"`
	Attempted      int             `json:"attempted"`
	Succeeded      int             `json:"succeeded"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// OutcomeFor выводит итог по числу попыток и успешных отправок
func OutcomeFor(attempted, succeeded int) DeliveryOutcome {
	switch {
	case attempted == 0:
		return OutcomeZeroLiveConnection
	case succeeded == 0:
		return OutcomeFailed
	default:
		return OutcomeDelivered
	}
}

// HistoryEntry - запись истории уведомлений для офлайн-получения
type HistoryEntry struct {
	NotificationID string           `json:"notification_id"`
	RecipientID    string           `json:"recipient_id"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Type           NotificationType `json:"type"`
	RelatedEntity  string           `json:"related_entity,omitempty"`
	Delivered      bool             `json:"delivered"`
	CreatedAt      time.Time        `json:"created_at"`
}
