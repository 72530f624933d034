package rabbitmq_consumer

import (
	"context"
	"fmt"
	"notification-service/pkg/rabbitmq/rabbitmq_common"
	"sync"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PartitionFunc возвращает ключ партиции для сообщения.
// Сообщения с одинаковым ключом обрабатываются строго последовательно и в порядке получения.
type PartitionFunc func(delivery amqp.Delivery) string

// PartitionedConsumer распределяет сообщения по фиксированному числу воркеров по хешу ключа.
// Внутри воркера сообщения обрабатываются по одному, разные партиции - параллельно.
type PartitionedConsumer struct {
	baseConsumer *baseConsumer
	handler      MessageHandler
	partitionKey PartitionFunc
	partitions   int
	bufferSize   int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPartitionedConsumer создает потребителя с partitions последовательными воркерами
func NewPartitionedConsumer(cfg ConsumerConfig, handler MessageHandler, partitionKey PartitionFunc, partitions int, connManager *rabbitmq_common.ConnectionManager) (*PartitionedConsumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("partitioned Consumer: message handler is required")
	}
	if partitionKey == nil {
		return nil, fmt.Errorf("partitioned Consumer: partition function is required")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("partitioned Consumer: partitions must be positive, got %d", partitions)
	}

	bc, err := newBaseConsumer(cfg, connManager)
	if err != nil {
		return nil, fmt.Errorf("partitioned Consumer: %w", err)
	}

	buffer := cfg.PrefetchCount
	if buffer <= 0 {
		buffer = 1
	}

	return &PartitionedConsumer{
		baseConsumer: bc,
		handler:      handler,
		partitionKey: partitionKey,
		partitions:   partitions,
		bufferSize:   buffer,
	}, nil
}

// PartitionIndex - номер воркера для ключа
func PartitionIndex(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}

// StartConsuming блокируется до отмены контекста или потери соединения
func (c *PartitionedConsumer) StartConsuming(ctx context.Context) error {
	msgs, err := c.baseConsumer.consume()
	if err != nil {
		return fmt.Errorf("partitioned Consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	lanes := make([]chan amqp.Delivery, c.partitions)
	for i := range lanes {
		lanes[i] = make(chan amqp.Delivery, c.bufferSize)
		c.baseConsumer.wg.Add(1)
		go c.runPartition(ctx, i, lanes[i])
	}

	go func() {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
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
				idx := PartitionIndex(c.partitionKey(d), c.partitions)
				select {
				case lanes[idx] <- d:
				case <-ctx.Done():
					// не доставлено воркеру: остается неподтвержденным и вернется после закрытия канала
					return
				}
			}
		}
	}()

	return c.baseConsumer.waitForClose(ctx)
}

func (c *PartitionedConsumer) runPartition(ctx context.Context, idx int, lane <-chan amqp.Delivery) {
	defer c.baseConsumer.wg.Done()
	for d := range lane {
		if ctx.Err() != nil {
			// остаток очереди воркера не обрабатываем после остановки
			continue
		}
		c.baseConsumer.Logger.Debug("[->] Started processing message",
			"consumer_tag", c.baseConsumer.config.ConsumerTag,
			"partition", idx,
			"delivery_tag", d.DeliveryTag)
		c.baseConsumer.settle(d, c.handler(d))
	}
}

// Close дожидается воркеров и закрывает канал потребителя
func (c *PartitionedConsumer) Close() error {
	c.baseConsumer.Logger.Info("Closing partitioned consumer")
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	return c.baseConsumer.Close()
}
