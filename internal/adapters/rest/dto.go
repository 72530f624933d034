package rest

import (
	"notification-service/internal/core/domain"
	"time"
)

// PublishNotificationRequest - тело POST /api/v1/notifications
type PublishNotificationRequest struct {
	EventID       string `json:"event_id,omitempty"`
	RecipientID   string `json:"recipient_id"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	RelatedEntity string `json:"related_entity,omitempty"`
}

func (r PublishNotificationRequest) toInput() domain.NotificationInput {
	return domain.NotificationInput{
		RecipientID:   r.RecipientID,
		Title:         r.Title,
		Message:       r.Message,
		Type:          r.Type,
		RelatedEntity: r.RelatedEntity,
	}
}

type PublishNotificationResponse struct {
	MessageID string `json:"message_id"`
}

type NotificationResponse struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Message       string  `json:"message"`
	Type          string  `json:"type"`
	RelatedEntity *string `json:"related_entity"`
	Delivered     bool    `json:"delivered"`
	CreatedAt     string  `json:"created_at"`
}

// PaginatedNotificationsResponse - DTO для ответа со списком уведомлений
type PaginatedNotificationsResponse struct {
	Data   []NotificationResponse `json:"data"`
	Total  int64                  `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

type EvictResponse struct {
	SubjectID string `json:"subject_id"`
	Evicted   int    `json:"evicted"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Subjects    int    `json:"subjects"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func toNotificationResponse(e domain.HistoryEntry) NotificationResponse {
	resp := NotificationResponse{
		ID:        e.NotificationID,
		Title:     e.Title,
		Message:   e.Message,
		Type:      string(e.Type),
		Delivered: e.Delivered,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.RelatedEntity != "" {
		related := e.RelatedEntity
		resp.RelatedEntity = &related
	}
	return resp
}
