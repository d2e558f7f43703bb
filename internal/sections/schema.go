// Package sections holds the build-time catalog of page types and their
// sections. It is the fallback layer every logbook page is rendered from.
package sections

import (
	"fmt"
	"strings"
)

type PageType string

const (
	PageHome    PageType = "home"
	PageGallery PageType = "gallery"
	PageVault   PageType = "vault"
	PageFAQ     PageType = "faq"
)

// ParsePageType accepts case-insensitive page names.
func ParsePageType(value string) (PageType, bool) {
	switch PageType(strings.ToLower(strings.TrimSpace(value))) {
	case PageHome:
		return PageHome, true
	case PageGallery:
		return PageGallery, true
	case PageVault:
		return PageVault, true
	case PageFAQ:
		return PageFAQ, true
	default:
		return "", false
	}
}

// Kind tags the value type a field accepts.
type Kind string

const (
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindObject Kind = "object"
)

type FieldDefinition struct {
	Name    string `json:"name" yaml:"name"`
	Kind    Kind   `json:"kind" yaml:"kind"`
	Default any    `json:"default" yaml:"default"`
}

// Validate reports whether value matches the field's kind.
func (f FieldDefinition) Validate(value any) error {
	if !matchesKind(f.Kind, value) {
		return fmt.Errorf("field %q expects %s, got %T", f.Name, f.Kind, value)
	}
	return nil
}

func matchesKind(kind Kind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindList:
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

type SectionDefinition struct {
	Key     string            `json:"key" yaml:"key"`
	Visible bool              `json:"visible" yaml:"visible"`
	Fields  []FieldDefinition `json:"fields" yaml:"fields"`
}

// Field looks up a declared field by name.
func (s SectionDefinition) Field(name string) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// DefaultValues returns a fresh map of field name to default value.
func (s SectionDefinition) DefaultValues() map[string]any {
	values := make(map[string]any, len(s.Fields))
	for _, field := range s.Fields {
		values[field.Name] = CloneValue(field.Default)
	}
	return values
}

func (s SectionDefinition) clone() SectionDefinition {
	fields := make([]FieldDefinition, len(s.Fields))
	for i, field := range s.Fields {
		fields[i] = FieldDefinition{Name: field.Name, Kind: field.Kind, Default: CloneValue(field.Default)}
	}
	return SectionDefinition{Key: s.Key, Visible: s.Visible, Fields: fields}
}

// CloneValue deep-copies the list and object shapes a field value may take.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}
