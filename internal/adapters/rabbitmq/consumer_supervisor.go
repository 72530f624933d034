package rabbitmq_adapter

import (
	"context"
	"fmt"
	"notification-service/internal/core/port"
	"notification-service/pkg/rabbitmq/rabbitmq_consumer"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConsumerFactory создает нового потребителя поверх текущего соединения
type ConsumerFactory func(handler rabbitmq_consumer.MessageHandler) (rabbitmq_consumer.Consumer, error)

type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed - сколько пытаться переподключиться, прежде чем считать шину недоступной
	MaxElapsed time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 5 * time.Minute
	}
	return c
}

// consumerSupervisor держит потребителя живым: при потере соединения пересоздает его
// с экспоненциальной задержкой
type consumerSupervisor struct {
	newConsumer ConsumerFactory
	reconnect   ReconnectConfig
	logger      port.LoggerPort

	mu       sync.Mutex
	consumer rabbitmq_consumer.Consumer
}

func newConsumerSupervisor(factory ConsumerFactory, reconnect ReconnectConfig, logger port.LoggerPort) *consumerSupervisor {
	return &consumerSupervisor{
		newConsumer: factory,
		reconnect:   reconnect.withDefaults(),
		logger:      logger,
	}
}

// run потребляет до отмены ctx. Если шина недоступна дольше MaxElapsed - возвращает ошибку.
func (s *consumerSupervisor) run(ctx context.Context, handler rabbitmq_consumer.MessageHandler) error {
	for {
		consumer, err := backoff.Retry(ctx, func() (rabbitmq_consumer.Consumer, error) {
			return s.newConsumer(handler)
		},
			backoff.WithBackOff(&backoff.ExponentialBackOff{
				InitialInterval:     s.reconnect.InitialInterval,
				RandomizationFactor: backoff.DefaultRandomizationFactor,
				Multiplier:          backoff.DefaultMultiplier,
				MaxInterval:         s.reconnect.MaxInterval,
			}),
			backoff.WithMaxElapsedTime(s.reconnect.MaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.logger.Warn("Failed to create bus consumer, retrying", port.Fields{"error": err.Error(), "retry_in": next.String()})
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event bus unavailable: %w", err)
		}

		s.setConsumer(consumer)
		err = consumer.StartConsuming(ctx)
		if closeErr := s.close(); closeErr != nil {
			s.logger.Warn("Error closing bus consumer", port.Fields{"error": closeErr.Error()})
		}

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("Bus consumer stopped, reconnecting", err, nil)
	}
}

func (s *consumerSupervisor) setConsumer(c rabbitmq_consumer.Consumer) {
	s.mu.Lock()
	s.consumer = c
	s.mu.Unlock()
}

// close останавливает текущего потребителя, дожидаясь активных обработчиков
func (s *consumerSupervisor) close() error {
	s.mu.Lock()
	c := s.consumer
	s.consumer = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
