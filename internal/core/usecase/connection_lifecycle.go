package usecase

import (
	"context"
	"errors"
	"fmt"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type LifecycleConfig struct {
	// IdentityTimeout ограничивает ожидание поставщика идентичности
	IdentityTimeout time.Duration
	// MaxConnectionsPerSubject: при превышении закрывается самое старое соединение. 0 - без ограничения.
	MaxConnectionsPerSubject int
	// AdmissionRate - новых подключений в секунду на экземпляр. 0 - без ограничения.
	AdmissionRate  float64
	AdmissionBurst int

	Now   func() time.Time
	NewID func() string
}

// ConnectionLifecycleManager принимает, аутентифицирует, регистрирует и закрывает push-соединения
type ConnectionLifecycleManager struct {
	identity port.IdentityProviderPort
	registry port.ConnectionRegistryPort
	limiter  *rate.Limiter
	cfg      LifecycleConfig
	logger   port.LoggerPort

	// admitMu сериализует проверку лимита на получателя и регистрацию
	admitMu sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[string]*Session
}

var _ usecases_port.ConnectionLifecycleUseCasePort = (*ConnectionLifecycleManager)(nil)

func NewConnectionLifecycleManager(
	identity port.IdentityProviderPort,
	registry port.ConnectionRegistryPort,
	cfg LifecycleConfig,
	baseLogger port.LoggerPort,
) *ConnectionLifecycleManager {
	if cfg.IdentityTimeout <= 0 {
		cfg.IdentityTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = int(cfg.AdmissionRate) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AdmissionRate), burst)
	}

	return &ConnectionLifecycleManager{
		identity: identity,
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		logger:   baseLogger.WithFields(port.Fields{"component": "ConnectionLifecycleManager"}),
		sessions: make(map[string]*Session),
	}
}

// Session - одно принятое соединение. Закрывается ровно один раз.
type Session struct {
	conn    domain.Connection
	state   atomic.Int32
	once    sync.Once
	done    chan struct{}
	reason  atomic.Value // domain.CloseReason
	manager *ConnectionLifecycleManager
}

var _ usecases_port.SessionPort = (*Session)(nil)

func (s *Session) ConnectionID() string               { return s.conn.ID }
func (s *Session) SubjectID() string                  { return s.conn.SubjectID }
func (s *Session) State() domain.ConnectionState      { return domain.ConnectionState(s.state.Load()) }
func (s *Session) Done() <-chan struct{}              { return s.done }
func (s *Session) setState(st domain.ConnectionState) { s.state.Store(int32(st)) }

// CloseReason возвращает причину закрытия; пустая строка, пока сессия жива
func (s *Session) CloseReason() domain.CloseReason {
	if r, ok := s.reason.Load().(domain.CloseReason); ok {
		return r
	}
	return ""
}

// Close переводит Active -> Closing -> Closed. Гонка клиентского закрытия, ошибки транспорта
// и вытеснения безопасна: выигрывает первый вызов, остальные возвращают false.
func (s *Session) Close(reason domain.CloseReason) bool {
	closed := false
	s.once.Do(func() {
		s.reason.Store(reason)
		s.setState(domain.StateClosing)
		s.manager.registry.Deregister(s.conn.ID)
		s.manager.forget(s.conn.ID)
		s.setState(domain.StateClosed)
		close(s.done)
		closed = true

		s.manager.logger.Info("Connection closed", port.Fields{
			"connection_id": s.conn.ID,
			"subject_id":    s.conn.SubjectID,
			"reason":        reason,
			"lifetime_ms":   s.manager.cfg.Now().Sub(s.conn.ConnectedAt).Milliseconds(),
		})
	})
	return closed
}

// Connect проходит Connecting -> Authenticated -> Active.
// Ошибки: domain.ErrAdmissionThrottled, *domain.AuthenticationFailedError, domain.ErrRegistryClosed.
func (m *ConnectionLifecycleManager) Connect(ctx context.Context, credential string, sender domain.Sender) (usecases_port.SessionPort, error) {
	if sender == nil {
		return nil, fmt.Errorf("connect: sender is required")
	}
	session := &Session{done: make(chan struct{}), manager: m}
	session.setState(domain.StateConnecting)

	if !m.limiter.Allow() {
		session.setState(domain.StateClosed)
		return nil, domain.ErrAdmissionThrottled
	}

	subjectID, err := m.resolve(ctx, credential)
	if err != nil {
		session.setState(domain.StateClosed)
		m.logger.Warn("Connection rejected", port.Fields{"reason": err.Error()})
		return nil, err
	}
	session.setState(domain.StateAuthenticated)

	session.conn = domain.Connection{
		ID:          m.cfg.NewID(),
		SubjectID:   subjectID,
		Sender:      sender,
		ConnectedAt: m.cfg.Now(),
	}

	if err := m.admit(session); err != nil {
		session.setState(domain.StateClosed)
		return nil, err
	}
	if session.State() != domain.StateActive {
		// закрыта остановкой или вытеснением, пока шла регистрация
		if session.CloseReason() == domain.CloseShutdown {
			return nil, domain.ErrRegistryClosed
		}
		return session, nil
	}

	m.logger.Info("Connection active", port.Fields{
		"connection_id": session.conn.ID,
		"subject_id":    subjectID,
	})
	return session, nil
}

func (m *ConnectionLifecycleManager) resolve(ctx context.Context, credential string) (string, error) {
	idCtx, cancel := context.WithTimeout(ctx, m.cfg.IdentityTimeout)
	defer cancel()

	subjectID, err := m.identity.ResolveSubject(idCtx, credential)
	if err != nil {
		var authErr *domain.AuthenticationFailedError
		if errors.As(err, &authErr) {
			return "", err
		}
		return "", &domain.AuthenticationFailedError{Reason: "identity resolution failed", Err: err}
	}
	if !domain.ValidSubjectID(subjectID) {
		return "", &domain.AuthenticationFailedError{Reason: "identity provider returned a malformed subject id"}
	}
	return subjectID, nil
}

// admit применяет лимит на получателя и регистрирует соединение
func (m *ConnectionLifecycleManager) admit(session *Session) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if limit := m.cfg.MaxConnectionsPerSubject; limit > 0 {
		existing := m.registry.ConnectionsFor(session.conn.SubjectID)
		if excess := len(existing) - limit + 1; excess > 0 {
			sort.Slice(existing, func(i, j int) bool {
				return existing[i].ConnectedAt.Before(existing[j].ConnectedAt)
			})
			for _, victim := range existing[:excess] {
				m.closeByID(victim.ID, domain.CloseCapacity)
			}
		}
	}

	// сессия видна до регистрации: любое соединение, которое отдаст реестр, закрывается через нее
	m.sessionsMu.Lock()
	m.sessions[session.conn.ID] = session
	m.sessionsMu.Unlock()

	if _, err := m.registry.Register(session.conn.SubjectID, session.conn); err != nil {
		m.forget(session.conn.ID)
		var violation *domain.RegistryInvariantViolation
		if errors.As(err, &violation) {
			m.logger.Error("Registry invariant violation on register", err, port.Fields{"connection_id": session.conn.ID})
		}
		return fmt.Errorf("register connection: %w", err)
	}

	// Close мог выиграть гонку с регистрацией; тогда сессия остается Closed
	session.state.CompareAndSwap(int32(domain.StateAuthenticated), int32(domain.StateActive))
	return nil
}

func (m *ConnectionLifecycleManager) forget(connectionID string) {
	m.sessionsMu.Lock()
	delete(m.sessions, connectionID)
	m.sessionsMu.Unlock()
}

func (m *ConnectionLifecycleManager) closeByID(connectionID string, reason domain.CloseReason) bool {
	m.sessionsMu.Lock()
	session, ok := m.sessions[connectionID]
	m.sessionsMu.Unlock()
	if !ok {
		// соединение без сессии (зарегистрировано в обход менеджера) все равно снимаем с учета
		return m.registry.Deregister(connectionID)
	}
	return session.Close(reason)
}

// EvictSubject закрывает все сессии получателя по инициативе сервера
func (m *ConnectionLifecycleManager) EvictSubject(subjectID string, reason domain.CloseReason) int {
	evicted := 0
	for _, conn := range m.registry.ConnectionsFor(subjectID) {
		if m.closeByID(conn.ID, reason) {
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info("Subject evicted", port.Fields{"subject_id": subjectID, "connections": evicted, "reason": reason})
	}
	return evicted
}

// Shutdown закрывает реестр для новых регистраций и закрывает все живые сессии
func (m *ConnectionLifecycleManager) Shutdown() {
	live := m.registry.Close()
	for _, conn := range live {
		m.closeByID(conn.ID, domain.CloseShutdown)
	}
	m.logger.Info("All connections closed", port.Fields{"closed": len(live)})
}

func (m *ConnectionLifecycleManager) Stats() domain.RegistryStats {
	return m.registry.Stats()
}

func (m *ConnectionLifecycleManager) CheckInvariants() error {
	return m.registry.CheckInvariants()
}
