package usecases_port

import (
	"context"
	"notification-service/internal/core/domain"
)

// SessionPort - одно принятое соединение
type SessionPort interface {
	ConnectionID() string
	SubjectID() string
	State() domain.ConnectionState
	// Done закрывается, когда сессия перешла в Closed
	Done() <-chan struct{}
	// Close переводит сессию Active -> Closing -> Closed ровно один раз
	Close(reason domain.CloseReason) bool
}

type ConnectionLifecycleUseCasePort interface {
	Connect(ctx context.Context, credential string, sender domain.Sender) (SessionPort, error)
	EvictSubject(subjectID string, reason domain.CloseReason) int
	Stats() domain.RegistryStats
	CheckInvariants() error
}
