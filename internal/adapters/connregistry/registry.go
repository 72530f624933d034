package connregistry

import (
	"fmt"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"sync"
)

// Registry - реестр живых соединений одного экземпляра сервиса.
// Оба индекса защищены одним RWMutex: читатель никогда не видит частично обновленное состояние.
type Registry struct {
	mu sync.RWMutex
	// bySubject: subject id -> (connection id -> соединение); пустые множества не хранятся
	bySubject map[string]map[string]domain.Connection
	// owner: connection id -> subject id
	owner  map[string]string
	closed bool

	logger port.LoggerPort
}

var _ port.ConnectionRegistryPort = (*Registry)(nil)

// NewRegistry создает пустой открытый реестр
func NewRegistry(baseLogger port.LoggerPort) *Registry {
	return &Registry{
		bySubject: make(map[string]map[string]domain.Connection),
		owner:     make(map[string]string),
		logger:    baseLogger.WithFields(port.Fields{"component": "ConnectionRegistry"}),
	}
}

// Register добавляет соединение под subjectID. Ограничений на количество здесь нет.
func (r *Registry) Register(subjectID string, conn domain.Connection) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.Connection{}, domain.ErrRegistryClosed
	}

	if current, exists := r.owner[conn.ID]; exists && current != subjectID {
		return domain.Connection{}, &domain.RegistryInvariantViolation{
			Detail: fmt.Sprintf("connection %s is already registered under subject %s, refused for %s", conn.ID, current, subjectID),
		}
	}

	conn.SubjectID = subjectID
	set, ok := r.bySubject[subjectID]
	if !ok {
		set = make(map[string]domain.Connection)
		r.bySubject[subjectID] = set
	}
	set[conn.ID] = conn
	r.owner[conn.ID] = subjectID

	r.logger.Debug("Connection registered", port.Fields{
		"subject_id":                    subjectID,
		"connection_id":                 conn.ID,
		"total_connections_for_subject": len(set),
	})
	return conn, nil
}

// Deregister удаляет соединение. Повторный вызов или неизвестный id - no-op.
func (r *Registry) Deregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subjectID, ok := r.owner[connectionID]
	if !ok {
		return false
	}
	delete(r.owner, connectionID)

	set := r.bySubject[subjectID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.bySubject, subjectID)
		r.logger.Debug("Last connection deregistered, subject removed", port.Fields{"subject_id": subjectID})
	}
	return true
}

// ConnectionsFor возвращает копию множества соединений получателя
func (r *Registry) ConnectionsFor(subjectID string) []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.bySubject[subjectID]
	if len(set) == 0 {
		return nil
	}
	snapshot := make([]domain.Connection, 0, len(set))
	for _, conn := range set {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Close помечает реестр закрытым. Возвращает все соединения, которые были живы, чтобы
// вызывающий закрыл их. Сами записи остаются до Deregister.
func (r *Registry) Close() []domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	live := make([]domain.Connection, 0, len(r.owner))
	for _, set := range r.bySubject {
		for _, conn := range set {
			live = append(live, conn)
		}
	}
	r.logger.Info("Registry closed", port.Fields{"live_connections": len(live)})
	return live
}

// Stats - счетчики для health-проверки
func (r *Registry) Stats() domain.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.RegistryStats{
		Subjects:    len(r.bySubject),
		Connections: len(r.owner),
		Closed:      r.closed,
	}
}

// CheckInvariants сверяет индексы. Нарушение не исправляется, только сообщается.
func (r *Registry) CheckInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counted := 0
	for subjectID, set := range r.bySubject {
		if len(set) == 0 {
			return &domain.RegistryInvariantViolation{Detail: fmt.Sprintf("subject %s has an empty connection set", subjectID)}
		}
		for connID, conn := range set {
			if owner, ok := r.owner[connID]; !ok || owner != subjectID {
				return &domain.RegistryInvariantViolation{
					Detail: fmt.Sprintf("connection %s listed under %s but owned by %q", connID, subjectID, owner),
				}
			}
			if conn.SubjectID != subjectID {
				return &domain.RegistryInvariantViolation{
					Detail: fmt.Sprintf("connection %s carries subject %s but is listed under %s", connID, conn.SubjectID, subjectID),
				}
			}
			counted++
		}
	}
	if counted != len(r.owner) {
		return &domain.RegistryInvariantViolation{
			Detail: fmt.Sprintf("owner index has %d connections, subject index has %d", len(r.owner), counted),
		}
	}
	return nil
}
