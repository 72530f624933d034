package usecase_test

import (
	"context"
	"errors"
	"notification-service/internal/core/domain"
	"sync"
	"time"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []domain.PushMessage
	err      error
	block    bool
}

func (s *recordingSender) Send(ctx context.Context, msg domain.PushMessage) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) received() []domain.PushMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PushMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

type recordingHistory struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
}

func (h *recordingHistory) Append(ctx context.Context, entry domain.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

func (h *recordingHistory) all() []domain.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryEntry(nil), h.entries...)
}

type failingTracker struct{}

func (failingTracker) Seen(ctx context.Context, key string) (*domain.DeliveryRecord, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (failingTracker) Record(ctx context.Context, record domain.DeliveryRecord) error {
	return errors.New("redis: connection refused")
}

type staticIdentity struct {
	subjects map[string]string
	delay    time.Duration
}

func (s staticIdentity) ResolveSubject(ctx context.Context, credential string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	subject, ok := s.subjects[credential]
	if !ok {
		return "", &domain.AuthenticationFailedError{Reason: "unknown credential"}
	}
	return subject, nil
}
