package domain

import (
	"context"
	"time"
)

// PushMessage - полезная нагрузка, которую получает клиент
type PushMessage struct {
	NotificationID string           `json:"notification_id"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Type           NotificationType `json:"type"`
	RelatedEntity  string           `json:"related_entity,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Sender - непрозрачный канал отправки одного живого соединения (SSE, WebSocket, тестовый фейк)
type Sender interface {
	// Send блокируется не дольше, чем живет ctx
	Send(ctx context.Context, msg PushMessage) error
}

// Connection - одно живое push-соединение получателя
type Connection struct {
	ID          string
	SubjectID   string
	Sender      Sender
	ConnectedAt time.Time
}

// ConnectionState - состояние соединения в менеджере жизненного цикла
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason - почему соединение закрывается
type CloseReason string

const (
	CloseClientGone     CloseReason = "client_gone"
	CloseTransportError CloseReason = "transport_error"
	CloseEvicted        CloseReason = "evicted"
	CloseCapacity       CloseReason = "capacity"
	CloseShutdown       CloseReason = "shutdown"
)

// RegistryStats - счетчики реестра для health-проверки
type RegistryStats struct {
	Subjects    int  `json:"subjects"`
	Connections int  `json:"connections"`
	Closed      bool `json:"closed"`
}
