package usecases_port

import "context"

// RecordDeadLetterUseCasePort сохраняет в истории событие, исчерпавшее все ретраи
type RecordDeadLetterUseCasePort interface {
	Execute(ctx context.Context, in InboundNotification) error
}
