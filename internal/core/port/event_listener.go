package port

import "context"

// EventListenerPort - контракт для слушателей шины событий
type EventListenerPort interface {
	// Start блокируется до отмены контекста или фатальной ошибки
	Start(ctx context.Context) error

	// Close останавливает слушателя, дожидаясь завершения активных обработчиков
	Close() error
}
