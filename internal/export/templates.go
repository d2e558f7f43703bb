package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"logbook/api/internal/content"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("page.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/page.html"))

type TemplateData struct {
	LogbookName string
	PageTitle   string
	Theme       string
	GeneratedAt time.Time
	Sections    []TemplateSection
}

type TemplateSection struct {
	Key     string
	Heading string
	Fields  []TemplateField
}

// TemplateField is one printable field. Booleans are display toggles and
// never printed.
type TemplateField struct {
	Name  string
	Text  string
	Items []string
}

func RenderPageHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// templateSection lays out fields in the order given by names. A string
// "title" field becomes the heading.
func templateSection(section content.EffectiveSection, names []string) TemplateSection {
	out := TemplateSection{Key: section.Key, Heading: humanize(section.Key)}
	for _, name := range names {
		value, ok := section.Fields[name]
		if !ok {
			continue
		}
		if name == "title" {
			if title, ok := value.(string); ok && strings.TrimSpace(title) != "" {
				out.Heading = title
				continue
			}
		}
		field := TemplateField{Name: name}
		switch v := value.(type) {
		case string:
			field.Text = strings.TrimSpace(v)
		case []string:
			for _, item := range v {
				field.Items = append(field.Items, item)
			}
		case []any:
			for _, item := range v {
				if text := formatItem(item); text != "" {
					field.Items = append(field.Items, text)
				}
			}
		case map[string]any:
			field.Items = formatPairs(v)
		default:
			continue
		}
		if field.Text == "" && len(field.Items) == 0 {
			continue
		}
		out.Fields = append(out.Fields, field)
	}
	return out
}

func formatItem(item any) string {
	switch v := item.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		return strings.Join(formatPairs(v), " · ")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func formatPairs(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		if text := formatItem(m[key]); text != "" {
			pairs = append(pairs, humanize(key)+": "+text)
		}
	}
	return pairs
}

// humanize turns "showCountdown" into "Show countdown".
func humanize(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case i == 0:
			b.WriteString(strings.ToUpper(string(r)))
		case r >= 'A' && r <= 'Z':
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(string(r)))
		case r == '_' || r == '-':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
