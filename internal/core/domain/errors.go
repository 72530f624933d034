package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryClosed - реестр остановлен, регистрация невозможна (фатально для соединения)
	ErrRegistryClosed = errors.New("connection registry is closed")
	// ErrPushTimeout - отправка в соединение не уложилась в таймаут
	ErrPushTimeout = errors.New("push send timed out")
	// ErrConnectionClosed - соединение уже закрыто
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrAdmissionThrottled - слишком много новых подключений
	ErrAdmissionThrottled = errors.New("connection admission throttled")
	// ErrHistoryUnavailable - хранилище истории не настроено
	ErrHistoryUnavailable = errors.New("notification history is unavailable")
)

// InvalidEventError - событие не прошло валидацию; такое событие подтверждается и отбрасывается
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid notification event: %s %s", e.Field, e.Reason)
}

// AuthenticationFailedError - поставщик идентичности не подтвердил учетные данные
type AuthenticationFailedError struct {
	Reason string
	Err    error
}

func (e *AuthenticationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// PushDeliveryError - отправка в одно соединение не удалась. Не влияет на соседние соединения.
type PushDeliveryError struct {
	ConnectionID string
	SubjectID    string
	Err          error
}

func (e *PushDeliveryError) Error() string {
	return fmt.Sprintf("push to connection %s of subject %s failed: %v", e.ConnectionID, e.SubjectID, e.Err)
}

func (e *PushDeliveryError) Unwrap() error { return e.Err }

// RegistryInvariantViolation - внутреннее состояние реестра противоречиво. Это баг, а не рабочая ситуация.
type RegistryInvariantViolation struct {
	Detail string
}

func (e *RegistryInvariantViolation) Error() string {
	return "connection registry invariant violated: " + e.Detail
}
