package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"notification-service/internal/adapters/connregistry"
	"notification-service/internal/adapters/idempotency"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port/usecases_port"
	"notification-service/internal/core/usecase"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	registry *connregistry.Registry
	tracker  *idempotency.MemoryTracker
	history  *recordingHistory
	uc       *usecase.DispatchNotificationUseCase
	clock    time.Time
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		registry: connregistry.NewRegistry(contextkeys.NoopLogger()),
		history:  &recordingHistory{},
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.tracker = idempotency.NewMemoryTracker(idempotency.MemoryTrackerConfig{
		Retention:  time.Minute,
		MaxEntries: 100,
		Now:        func() time.Time { return f.clock },
	})
	f.uc = usecase.NewDispatchNotificationUseCase(f.registry, f.tracker, f.history, usecase.NewSubjectSequencer(), usecase.DispatchConfig{
		PushTimeout: 50 * time.Millisecond,
		Now:         func() time.Time { return f.clock },
	})
	return f
}

func (f *dispatchFixture) connect(t *testing.T, subject, id string, sender domain.Sender) {
	t.Helper()
	_, err := f.registry.Register(subject, domain.Connection{ID: id, Sender: sender, ConnectedAt: f.clock})
	require.NoError(t, err)
}

func gradePosted(messageID string) usecases_port.InboundNotification {
	return usecases_port.InboundNotification{
		Input: domain.NotificationInput{
			RecipientID: "U1",
			Title:       "Grade posted",
			Message:     "Your grade is ready",
			Type:        "academic",
		},
		MessageID: messageID,
	}
}

func TestDispatch_TwoLiveConnections(t *testing.T) {
	f := newDispatchFixture(t)
	tab1, tab2 := &recordingSender{}, &recordingSender{}
	f.connect(t, "U1", "c1", tab1)
	f.connect(t, "U1", "c2", tab2)

	record, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeDelivered, record.Outcome)
	assert.Equal(t, 2, record.Attempted)
	assert.Equal(t, 2, record.Succeeded)
	require.Len(t, tab1.received(), 1)
	require.Len(t, tab2.received(), 1)
	assert.Equal(t, "Grade posted", tab1.received()[0].Title)
	assert.Equal(t, record.NotificationID, tab2.received()[0].NotificationID)

	history := f.history.all()
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)
}

func TestDispatch_ZeroLiveConnections(t *testing.T) {
	f := newDispatchFixture(t)

	record, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeZeroLiveConnection, record.Outcome)
	assert.Equal(t, 0, record.Attempted)

	// офлайн-получатель получает запись в истории, но без доставки
	history := f.history.all()
	require.Len(t, history, 1)
	assert.False(t, history[0].Delivered)

	// повтор того же сообщения не диспатчится заново
	again, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, again.Outcome)
}

func TestDispatch_EmptyTitleIsInvalid(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	in := gradePosted("m-1")
	in.Input.Title = "  "
	record, err := f.uc.Execute(context.Background(), in)

	var invalid *domain.InvalidEventError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "title", invalid.Field)
	assert.Nil(t, record)
	assert.Empty(t, sender.received())
	assert.Equal(t, 0, f.tracker.Len())
	assert.Empty(t, f.history.all())
}

func TestDispatch_DuplicateWithinWindowPushesOnce(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	first, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	f.clock = f.clock.Add(30 * time.Second)
	second, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.NotificationID, second.NotificationID)
	assert.Len(t, sender.received(), 1)
}

func TestDispatch_DuplicateAfterWindowIsRedispatched(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	_, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Minute)
	record, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeDelivered, record.Outcome)
	received := sender.received()
	require.Len(t, received, 2)
	// тот же id уведомления: клиент отрисует идемпотентно
	assert.Equal(t, received[0].NotificationID, received[1].NotificationID)
}

func TestDispatch_PartialFailureStillDelivers(t *testing.T) {
	f := newDispatchFixture(t)
	healthy := []*recordingSender{{}, {}}
	f.connect(t, "U1", "ok-1", healthy[0])
	f.connect(t, "U1", "broken", &recordingSender{err: errors.New("broken pipe")})
	f.connect(t, "U1", "stuck", &recordingSender{block: true})
	f.connect(t, "U1", "ok-2", healthy[1])

	start := time.Now()
	record, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.OutcomeDelivered, record.Outcome)
	assert.Equal(t, 4, record.Attempted)
	assert.Equal(t, 2, record.Succeeded)
	for _, s := range healthy {
		assert.Len(t, s.received(), 1)
	}
}

func TestDispatch_AllPushesFailed(t *testing.T) {
	f := newDispatchFixture(t)
	f.connect(t, "U1", "c1", &recordingSender{err: domain.ErrConnectionClosed})

	record, err := f.uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, record.Outcome)
	assert.False(t, f.history.all()[0].Delivered)
}

func TestDispatch_TrackerErrorIsReturned(t *testing.T) {
	registry := connregistry.NewRegistry(contextkeys.NoopLogger())
	sender := &recordingSender{}
	_, _ = registry.Register("U1", domain.Connection{ID: "c1", Sender: sender})
	uc := usecase.NewDispatchNotificationUseCase(registry, failingTracker{}, nil, nil, usecase.DispatchConfig{})

	_, err := uc.Execute(context.Background(), gradePosted("m-1"))
	require.Error(t, err)
	var invalid *domain.InvalidEventError
	assert.False(t, errors.As(err, &invalid))
	assert.Empty(t, sender.received())
}

func TestDispatch_CancelledContextDoesNotPush(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.uc.Execute(ctx, gradePosted("m-1"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.received())
	assert.Equal(t, 0, f.tracker.Len())
}

func TestDispatch_AbortDuringPushLeavesEventUnrecorded(t *testing.T) {
	f := newDispatchFixture(t)
	uc := usecase.NewDispatchNotificationUseCase(f.registry, f.tracker, f.history, usecase.NewSubjectSequencer(), usecase.DispatchConfig{
		PushTimeout: 5 * time.Second,
		Now:         func() time.Time { return f.clock },
	})
	f.connect(t, "U1", "c1", &recordingSender{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	stop := time.AfterFunc(50*time.Millisecond, cancel)
	defer stop.Stop()

	start := time.Now()
	record, err := uc.Execute(ctx, gradePosted("m-1"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, record)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, f.tracker.Len())
	assert.Empty(t, f.history.all())

	// после повторной доставки событие отправляется заново
	f.registry.Deregister("c1")
	sender := &recordingSender{}
	f.connect(t, "U1", "c2", sender)
	_, err = uc.Execute(context.Background(), gradePosted("m-1"))
	require.NoError(t, err)
	assert.Len(t, sender.received(), 1)
}

func TestDispatch_SameRecipientKeepsOrder(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	for i := 0; i < 20; i++ {
		in := gradePosted(fmt.Sprintf("m-%d", i))
		in.Input.Message = fmt.Sprintf("update %d", i)
		_, err := f.uc.Execute(context.Background(), in)
		require.NoError(t, err)
	}

	received := sender.received()
	require.Len(t, received, 20)
	for i, msg := range received {
		assert.Equal(t, fmt.Sprintf("update %d", i), msg.Message)
	}
}

func TestDispatch_ConcurrentDuplicatesPushOnce(t *testing.T) {
	f := newDispatchFixture(t)
	sender := &recordingSender{}
	f.connect(t, "U1", "c1", sender)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uc.Execute(context.Background(), gradePosted("m-dup"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, sender.received(), 1)
}

func TestIdempotencyKey(t *testing.T) {
	event, err := domain.NewNotificationEvent(gradePosted("").Input)
	require.NoError(t, err)

	t.Run("message id wins", func(t *testing.T) {
		in := gradePosted("m-1")
		in.EventID = "e-1"
		assert.Equal(t, "msg:m-1", usecase.IdempotencyKey(event, in))
	})

	t.Run("event id second", func(t *testing.T) {
		in := gradePosted("")
		in.EventID = "e-1"
		assert.Equal(t, "evt:e-1", usecase.IdempotencyKey(event, in))
	})

	t.Run("hash includes sequence", func(t *testing.T) {
		a := gradePosted("")
		a.Sequence = "1"
		b := gradePosted("")
		b.Sequence = "2"
		keyA := usecase.IdempotencyKey(event, a)
		assert.Equal(t, keyA, usecase.IdempotencyKey(event, a))
		assert.NotEqual(t, keyA, usecase.IdempotencyKey(event, b))
	})

	t.Run("notification id is deterministic", func(t *testing.T) {
		assert.Equal(t, usecase.NotificationID("msg:m-1"), usecase.NotificationID("msg:m-1"))
		assert.NotEqual(t, usecase.NotificationID("msg:m-1"), usecase.NotificationID("msg:m-2"))
	})
}
