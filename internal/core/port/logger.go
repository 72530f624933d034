package port

// Fields - структурированные данные для лога
type Fields map[string]interface{}

// LoggerPort определяет контракт для системы логирования.
// Ядро не знает, куда уходят логи: stdout, Fluent Bit или оба сразу.
type LoggerPort interface {
	Info(msg string, fields Fields)

	Warn(msg string, fields Fields)

	// Error записывает ошибку вместе с объектом error
	Error(msg string, err error, fields Fields)

	Debug(msg string, fields Fields)

	// WithFields создает логгер с уже добавленными полями (subject_id, connection_id, ...)
	WithFields(fields Fields) LoggerPort
}
