package port

import "notification-service/internal/core/domain"

// ConnectionRegistryPort - потокобезопасное отображение subject id -> живые соединения.
// Единственное общее для всех воркеров состояние.
type ConnectionRegistryPort interface {
	// Register добавляет соединение. Ошибка только domain.ErrRegistryClosed
	// или *domain.RegistryInvariantViolation.
	Register(subjectID string, conn domain.Connection) (domain.Connection, error)
	// Deregister идемпотентен: неизвестный id - не ошибка. Возвращает, было ли что удалять.
	Deregister(connectionID string) bool
	// ConnectionsFor возвращает снимок, а не живое представление
	ConnectionsFor(subjectID string) []domain.Connection
	// Close помечает реестр закрытым и возвращает соединения, которые были живы
	Close() []domain.Connection
	Stats() domain.RegistryStats
	CheckInvariants() error
}
