package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port/usecases_port"
	"strings"

	"github.com/google/uuid"
)

// notificationNamespace - пространство имен UUIDv5 для идентификаторов уведомлений
var notificationNamespace = uuid.MustParse("6f1c2e0a-4b7d-5c3e-9a1f-2d8e7b6c5a40")

// IdempotencyKey выбирает ключ: id сообщения шины, затем event_id продюсера,
// иначе хеш получателя, содержимого и последовательности продюсера.
func IdempotencyKey(ev domain.NotificationEvent, in usecases_port.InboundNotification) string {
	if id := strings.TrimSpace(in.MessageID); id != "" {
		return "msg:" + id
	}
	if id := strings.TrimSpace(in.EventID); id != "" {
		return "evt:" + id
	}

	h := sha256.New()
	for _, part := range []string{
		ev.RecipientID(),
		ev.Title(),
		ev.Message(),
		string(ev.Type()),
		ev.RelatedEntity(),
		in.Sequence,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return "sha:" + hex.EncodeToString(h.Sum(nil))
}

// NotificationID - детерминированный идентификатор уведомления: повторная доставка того же
// события дает тот же id, и клиент может отрисовать его идемпотентно
func NotificationID(idempotencyKey string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(idempotencyKey)).String()
}
