package contracts

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"notification-service/internal/core/domain"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// NotificationRequestedEvent и CurrentVersion используются, когда продюсер не прислал заголовки
	NotificationRequestedEvent = "NotificationRequestedEvent"
	CurrentVersion             = "1.0.0"
)

// Validator хранит скомпилированные схемы по ключу "<Name>Event/<major>.0.0"
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

// NewValidator компилирует все *.json под root в fsys.
// Схемы сначала добавляются как ресурсы, чтобы работали ссылки $ref между ними.
func NewValidator(fsys fs.FS, root string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	var paths []string
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		file, err := fsys.Open(path)
		if err != nil {
			return fmt.Errorf("open schema %s: %w", path, err)
		}
		defer file.Close()
		if err := compiler.AddResource(path, file); err != nil {
			return fmt.Errorf("add schema resource %s: %w", path, err)
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk schemas: %w", err)
	}

	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(paths))}
	for _, path := range paths {
		key := generateKeyFromPath(root, path)
		if key == "" {
			return nil, fmt.Errorf("schema path %s does not follow <event-name>/v<major>.json", path)
		}
		schema, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		v.compiled[key] = schema
	}
	if len(v.compiled) == 0 {
		return nil, fmt.Errorf("no schemas found under %s", root)
	}
	return v, nil
}

// generateKeyFromPath: "events/notification-requested/v1.json" -> "NotificationRequestedEvent/1.0.0"
func generateKeyFromPath(root, path string) string {
	trimmed := strings.TrimPrefix(path, strings.TrimSuffix(root, "/")+"/")
	trimmed = strings.TrimSuffix(trimmed, ".json")

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "v") {
		return ""
	}

	caser := cases.Title(language.English)
	var name strings.Builder
	for _, p := range strings.Split(parts[0], "-") {
		name.WriteString(caser.String(p))
	}
	name.WriteString("Event")

	return fmt.Sprintf("%s/%s.0.0", name.String(), strings.TrimPrefix(parts[1], "v"))
}

// Keys - зарегистрированные ключи схем
func (v *Validator) Keys() []string {
	keys := make([]string, 0, len(v.compiled))
	for k := range v.compiled {
		keys = append(keys, k)
	}
	return keys
}

// ValidateEvent проверяет тело сообщения по схеме из заголовков event-type/event-version.
// Любое несоответствие - *domain.InvalidEventError: такое сообщение не исправится ретраем.
func (v *Validator) ValidateEvent(eventType, eventVersion string, body []byte) error {
	if eventType == "" {
		eventType = NotificationRequestedEvent
	}
	if eventVersion == "" {
		eventVersion = CurrentVersion
	}

	key := eventType + "/" + eventVersion
	schema, ok := v.compiled[key]
	if !ok {
		return &domain.InvalidEventError{Field: "event-type", Reason: fmt.Sprintf("no schema for %s", key)}
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &domain.InvalidEventError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &domain.InvalidEventError{Field: "body", Reason: "schema validation failed: " + err.Error()}
	}
	return nil
}
