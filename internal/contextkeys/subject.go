package contextkeys

import "context"

type subjectIDKeyType struct{}

var subjectIDKey = subjectIDKeyType{}

// ContextWithSubjectID помещает идентификатор аутентифицированного получателя в контекст
func ContextWithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectIDKey, subjectID)
}

// SubjectIDFromContext возвращает идентификатор получателя и флаг его наличия
func SubjectIDFromContext(ctx context.Context) (string, bool) {
	subjectID, ok := ctx.Value(subjectIDKey).(string)
	return subjectID, ok && subjectID != ""
}
