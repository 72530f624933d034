package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"notification-service/internal/core/domain"
	"strings"
	"sync"
)

// Stream - Sender одного SSE-соединения. Диспетчер кладет сообщения в буфер,
// HTTP-обработчик соединения вычитывает их и пишет в ответ.
type Stream struct {
	out       chan domain.PushMessage
	closed    chan struct{}
	closeOnce sync.Once
}

var _ domain.Sender = (*Stream)(nil)

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{
		out:    make(chan domain.PushMessage, buffer),
		closed: make(chan struct{}),
	}
}

// Send ждет места в буфере не дольше ctx. Канал out никогда не закрывается,
// поэтому гонка Send и Close безопасна.
func (s *Stream) Send(ctx context.Context, msg domain.PushMessage) error {
	select {
	case <-s.closed:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrPushTimeout, ctx.Err())
	}
}

// Messages - сообщения для записи в ответ
func (s *Stream) Messages() <-chan domain.PushMessage {
	return s.out
}

// Close помечает поток закрытым; последующие Send возвращают ErrConnectionClosed
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// WriteEvent пишет одно событие в формате text/event-stream
func WriteEvent(w io.Writer, event, id string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}

	var b strings.Builder
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")

	_, err = io.WriteString(w, b.String())
	return err
}

// WriteKeepAlive пишет комментарий, который браузер игнорирует, но прокси видят трафик
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}
