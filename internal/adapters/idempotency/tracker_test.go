package idempotency

import (
	"context"
	"fmt"
	"notification-service/internal/core/domain"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(retention time.Duration, max int) (*MemoryTracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryTracker(MemoryTrackerConfig{Retention: retention, MaxEntries: max, Now: clock.Now}), clock
}

func TestMemoryTracker_SeenWithinWindow(t *testing.T) {
	tracker, clock := newTestTracker(time.Minute, 10)
	ctx := context.Background()

	_, seen, err := tracker.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: "k1", Outcome: domain.OutcomeDelivered, Attempted: 2}))

	clock.Advance(30 * time.Second)
	record, seen, err := tracker.Seen(ctx, "k1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, domain.OutcomeDelivered, record.Outcome)
	assert.Equal(t, 2, record.Attempted)
}

func TestMemoryTracker_ExpiresAfterRetention(t *testing.T) {
	tracker, clock := newTestTracker(time.Minute, 10)
	ctx := context.Background()
	require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: "k1"}))

	clock.Advance(time.Minute + time.Second)
	_, seen, err := tracker.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, 0, tracker.Len())
}

func TestMemoryTracker_CountBoundEvictsOldest(t *testing.T) {
	tracker, clock := newTestTracker(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: fmt.Sprintf("k%d", i)}))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, tracker.Len())
	for i, want := range []bool{false, false, true, true, true} {
		_, seen, _ := tracker.Seen(ctx, fmt.Sprintf("k%d", i))
		assert.Equal(t, want, seen, "k%d", i)
	}
}

func TestMemoryTracker_RerecordRefreshesPosition(t *testing.T) {
	tracker, clock := newTestTracker(time.Minute, 10)
	ctx := context.Background()

	require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: "a"}))
	clock.Advance(50 * time.Second)
	require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: "b"}))
	require.NoError(t, tracker.Record(ctx, domain.DeliveryRecord{Key: "a"}))
	clock.Advance(20 * time.Second)

	_, seenA, _ := tracker.Seen(ctx, "a")
	_, seenB, _ := tracker.Seen(ctx, "b")
	assert.True(t, seenA)
	assert.True(t, seenB)
	assert.Equal(t, 2, tracker.Len())
}

func TestNewRedisTracker_Validation(t *testing.T) {
	_, err := NewRedisTracker(nil, "", time.Minute)
	assert.Error(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	_, err = NewRedisTracker(client, "", 0)
	assert.Error(t, err)

	tracker, err := NewRedisTracker(client, "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "notifications:delivered:abc", tracker.key("abc"))
}

func TestNewRedisClient_RequiresAddr(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
