package rabbitmq_consumer

import (
	"context"
	"fmt"
	"notification-service/pkg/rabbitmq/rabbitmq_common"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DistributingConsumer обрабатывает каждое сообщение в отдельной горутине, порядок не гарантируется
type DistributingConsumer struct {
	baseConsumer *baseConsumer
	handler      MessageHandler
}

// NewDistributingConsumer создает нового потребителя
func NewDistributingConsumer(cfg ConsumerConfig, handler MessageHandler, connManager *rabbitmq_common.ConnectionManager) (*DistributingConsumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("distributing Consumer: message handler is required")
	}

	bc, err := newBaseConsumer(cfg, connManager)
	if err != nil {
		return nil, fmt.Errorf("distributing Consumer: %w", err)
	}

	return &DistributingConsumer{
		baseConsumer: bc,
		handler:      handler,
	}, nil
}

// StartConsuming блокируется до отмены контекста или потери соединения
func (c *DistributingConsumer) StartConsuming(ctx context.Context) error {
	msgs, err := c.baseConsumer.consume()
	if err != nil {
		return fmt.Errorf("distributing Consumer: %w", err)
	}

	go func() {
		for {
			// Приоритетная проверка: не запускаем новых обработчиков после команды на остановку
			select {
			case <-ctx.Done():
				return
			default:
			}

			select {
			case <-ctx.Done():
				c.baseConsumer.Logger.Info("Context cancelled for consumer. Exiting consumption loop.",
					"consumer_tag", c.baseConsumer.config.ConsumerTag)
				return

			case d, ok := <-msgs:
				if !ok {
					c.baseConsumer.Logger.Info("Deliveries channel closed by RabbitMQ for consumer. Exiting loop.",
						"consumer_tag", c.baseConsumer.config.ConsumerTag)
					return
				}

				c.baseConsumer.wg.Add(1)
				go func(delivery amqp.Delivery) {
					defer c.baseConsumer.wg.Done()
					c.baseConsumer.Logger.Debug("[->] Started processing message",
						"consumer_tag", c.baseConsumer.config.ConsumerTag,
						"delivery_tag", delivery.DeliveryTag)
					c.baseConsumer.settle(delivery, c.handler(delivery))
				}(d)
			}
		}
	}()

	return c.baseConsumer.waitForClose(ctx)
}

// Close закрывает канал потребителя
func (c *DistributingConsumer) Close() error {
	c.baseConsumer.Logger.Info("Closing consumer")
	return c.baseConsumer.Close()
}
