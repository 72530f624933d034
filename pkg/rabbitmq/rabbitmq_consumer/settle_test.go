package rabbitmq_consumer

import (
	"errors"
	"fmt"
	"notification-service/pkg/rabbitmq/rabbitmq_common"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func newTestBase(retry bool, maxRetries int) *baseConsumer {
	return &baseConsumer{
		config: ConsumerConfig{
			ConsumerTag:          "test",
			EnableRetryMechanism: retry,
			MaxRetries:           maxRetries,
		},
		actualQueueName: "notification_events",
		Logger:          rabbitmq_common.NewNoopLogger(),
	}
}

func deliveryWithDeaths(ack amqp.Acknowledger, count int64) amqp.Delivery {
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}
	if count > 0 {
		d.Headers = amqp.Table{
			"x-death": []interface{}{
				amqp.Table{"queue": "other_queue", "count": int64(99)},
				amqp.Table{"queue": "notification_events", "count": count},
			},
		}
	}
	return d
}

func TestSettle_SuccessAcks(t *testing.T) {
	ack := &fakeAcknowledger{}
	newTestBase(true, 3).settle(deliveryWithDeaths(ack, 0), nil)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestSettle_AbandonedLeavesUnsettled(t *testing.T) {
	ack := &fakeAcknowledger{}
	err := fmt.Errorf("dispatch interrupted: %w", ErrDeliveryAbandoned)
	newTestBase(true, 3).settle(deliveryWithDeaths(ack, 0), err)

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestSettle_RetryDisabledNacksWithoutRequeue(t *testing.T) {
	ack := &fakeAcknowledger{}
	newTestBase(false, 0).settle(deliveryWithDeaths(ack, 0), errors.New("boom"))

	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestSettle_BelowMaxRetriesNacksIntoRetryLoop(t *testing.T) {
	ack := &fakeAcknowledger{}
	newTestBase(true, 3).settle(deliveryWithDeaths(ack, 2), errors.New("boom"))

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestSettle_MaxRetriesWithoutPublisherNacks(t *testing.T) {
	ack := &fakeAcknowledger{}
	newTestBase(true, 3).settle(deliveryWithDeaths(ack, 3), errors.New("boom"))

	assert.Equal(t, 1, ack.nacks)
}

func TestGetDeathCount(t *testing.T) {
	assert.Equal(t, int64(0), getDeathCount(amqp.Delivery{}, "notification_events"))
	assert.Equal(t, int64(4), getDeathCount(deliveryWithDeaths(nil, 4), "notification_events"))
	assert.Equal(t, int64(0), getDeathCount(deliveryWithDeaths(nil, 4), "missing"))
}

func TestPartitionIndex(t *testing.T) {
	t.Run("stable for the same key", func(t *testing.T) {
		first := PartitionIndex("student-42", 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, PartitionIndex("student-42", 8))
		}
	})

	t.Run("in range", func(t *testing.T) {
		for _, key := range []string{"", "a", "b", "alice@school", "x:y"} {
			idx := PartitionIndex(key, 5)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 5)
		}
	})

	t.Run("single partition", func(t *testing.T) {
		assert.Equal(t, 0, PartitionIndex("anything", 1))
		assert.Equal(t, 0, PartitionIndex("anything", 0))
	})
}

func TestConsumerConfigValidate(t *testing.T) {
	cfg := ConsumerConfig{Config: rabbitmq_common.Config{URL: "amqp://localhost"}, QueueName: "q"}
	assert.NoError(t, cfg.validate())

	cfg.EnableRetryMechanism = true
	assert.Error(t, cfg.validate())

	cfg.RetryExchange, cfg.RetryQueue, cfg.FinalDLXExchange, cfg.FinalDLQ = "rx", "rq", "dlx", "dlq"
	cfg.RetryTTL = 1000
	assert.NoError(t, cfg.validate())

	assert.Error(t, ConsumerConfig{QueueName: "q"}.validate())
}
