package history

import (
	"context"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncRecorder - fire-and-forget запись истории через ограниченную очередь и один фоновый писатель.
// Переполнение очереди и ошибки хранилища только логируются.
type AsyncRecorder struct {
	repo         port.HistoryRepositoryPort
	queue        chan domain.HistoryEntry
	writeTimeout time.Duration
	logger       port.LoggerPort

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

var _ port.HistoryRecorderPort = (*AsyncRecorder)(nil)

func NewAsyncRecorder(repo port.HistoryRepositoryPort, queueSize int, writeTimeout time.Duration, baseLogger port.LoggerPort) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	r := &AsyncRecorder{
		repo:         repo,
		queue:        make(chan domain.HistoryEntry, queueSize),
		writeTimeout: writeTimeout,
		logger:       baseLogger.WithFields(port.Fields{"component": "HistoryAsyncRecorder"}),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Append не блокируется: при полной очереди запись отбрасывается
func (r *AsyncRecorder) Append(ctx context.Context, entry domain.HistoryEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("History queue is full, entry dropped", port.Fields{
			"notification_id": entry.NotificationID,
			"subject_id":      entry.RecipientID,
		})
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.repo.Append(ctx, entry); err != nil {
			r.logger.Error("Failed to persist notification history", err, port.Fields{
				"notification_id": entry.NotificationID,
				"subject_id":      entry.RecipientID,
			})
		}
		cancel()
	}
}

// Dropped - сколько записей потеряно из-за переполнения или после закрытия
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close перестает принимать записи и дожидается записи очереди (или ctx)
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
