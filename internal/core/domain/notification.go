package domain

import (
	"regexp"
	"strings"
)

// NotificationType - категория уведомления
type NotificationType string

const (
	TypeAcademic     NotificationType = "academic"
	TypeAnnouncement NotificationType = "announcement"
	TypeReminder     NotificationType = "reminder"
	TypeMessage      NotificationType = "message"
	TypeSystem       NotificationType = "system"
	TypeTask         NotificationType = "task"
	TypeCustom       NotificationType = "custom"
)

var knownTypes = map[NotificationType]struct{}{
	TypeAcademic:     {},
	TypeAnnouncement: {},
	TypeReminder:     {},
	TypeMessage:      {},
	TypeSystem:       {},
	TypeTask:         {},
	TypeCustom:       {},
}

// IsKnown - известная категория или явное "custom"
func (t NotificationType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// subjectIDPattern - формат идентификатора получателя, который выдает слой идентификации
// (UUID сервиса аутентификации или непрозрачные идентификаторы вида "U1")
var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// ValidSubjectID проверяет формат идентификатора получателя
func ValidSubjectID(subjectID string) bool {
	return subjectIDPattern.MatchString(subjectID)
}

// NotificationInput - сырые поля события до валидации
type NotificationInput struct {
	RecipientID   string
	Title         string
	Message       string
	Type          string
	RelatedEntity string
}

// NotificationEvent - неизменяемое событие "уведомление должно быть доставлено получателю".
// Создается только через NewNotificationEvent.
type NotificationEvent struct {
	recipientID   string
	title         string
	message       string
	notifType     NotificationType
	relatedEntity string
}

// NewNotificationEvent валидирует поля и создает событие.
// Ошибка всегда *InvalidEventError с указанием поля.
func NewNotificationEvent(in NotificationInput) (NotificationEvent, error) {
	recipient := strings.TrimSpace(in.RecipientID)
	if recipient == "" {
		return NotificationEvent{}, &InvalidEventError{Field: "recipient_id", Reason: "is required"}
	}
	if !ValidSubjectID(recipient) {
		return NotificationEvent{}, &InvalidEventError{Field: "recipient_id", Reason: "has invalid format"}
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return NotificationEvent{}, &InvalidEventError{Field: "title", Reason: "must not be empty"}
	}

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return NotificationEvent{}, &InvalidEventError{Field: "message", Reason: "must not be empty"}
	}

	notifType := NotificationType(strings.ToLower(strings.TrimSpace(in.Type)))
	if notifType == "" {
		return NotificationEvent{}, &InvalidEventError{Field: "type", Reason: "is required"}
	}
	if !notifType.IsKnown() {
		return NotificationEvent{}, &InvalidEventError{Field: "type", Reason: "unknown category " + string(notifType) + ", use \"custom\""}
	}

	return NotificationEvent{
		recipientID:   recipient,
		title:         title,
		message:       message,
		notifType:     notifType,
		relatedEntity: strings.TrimSpace(in.RelatedEntity),
	}, nil
}

func (e NotificationEvent) RecipientID() string    { return e.recipientID }
func (e NotificationEvent) Title() string          { return e.title }
func (e NotificationEvent) Message() string        { return e.message }
func (e NotificationEvent) Type() NotificationType { return e.notifType }
func (e NotificationEvent) RelatedEntity() string  { return e.relatedEntity }
