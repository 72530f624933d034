package idempotency

import (
	"container/list"
	"context"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"sync"
	"time"
)

// MemoryTracker - окно дедупликации в памяти одного экземпляра.
// Записи вытесняются по возрасту (Retention) или по количеству (MaxEntries), что наступит раньше.
type MemoryTracker struct {
	mu         sync.Mutex
	order      *list.List // от старых к новым, значения *domain.DeliveryRecord
	index      map[string]*list.Element
	retention  time.Duration
	maxEntries int
	now        func() time.Time
}

var _ port.IdempotencyTrackerPort = (*MemoryTracker)(nil)

type MemoryTrackerConfig struct {
	Retention  time.Duration
	MaxEntries int
	// Now подменяется в тестах
	Now func() time.Time
}

func NewMemoryTracker(cfg MemoryTrackerConfig) *MemoryTracker {
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryTracker{
		order:      list.New(),
		index:      make(map[string]*list.Element),
		retention:  cfg.Retention,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
	}
}

func (t *MemoryTracker) Seen(ctx context.Context, key string) (*domain.DeliveryRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired()
	el, ok := t.index[key]
	if !ok {
		return nil, false, nil
	}
	record := *el.Value.(*domain.DeliveryRecord)
	return &record, true, nil
}

func (t *MemoryTracker) Record(ctx context.Context, record domain.DeliveryRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// окно считается по часам трекера, а не по времени вызывающего
	record.RecordedAt = t.now()
	// повторная запись того же ключа продлевает его окно
	if el, ok := t.index[record.Key]; ok {
		t.order.Remove(el)
	}
	t.index[record.Key] = t.order.PushBack(&record)

	t.evictExpired()
	for t.order.Len() > t.maxEntries {
		t.removeFront()
	}
	return nil
}

// Len - текущий размер окна
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

func (t *MemoryTracker) evictExpired() {
	horizon := t.now().Add(-t.retention)
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		if front.Value.(*domain.DeliveryRecord).RecordedAt.After(horizon) {
			return
		}
		t.removeFront()
	}
}

func (t *MemoryTracker) removeFront() {
	front := t.order.Front()
	if front == nil {
		return
	}
	t.order.Remove(front)
	delete(t.index, front.Value.(*domain.DeliveryRecord).Key)
}
