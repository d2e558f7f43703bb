package search

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"logbook/api/internal/content"
	"logbook/api/internal/sections"
)

type ResultType string

const (
	ResultSection ResultType = "section"
	ResultMedia   ResultType = "media"
)

type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	PageType   string     `json:"pageType,omitempty"`
	SectionKey string     `json:"sectionKey,omitempty"`
}

// Query is always scoped to one logbook. Hidden sections are only returned
// when IncludeHidden is set.
type Query struct {
	Text          string
	LogbookID     string
	IncludeHidden bool
	Limit         int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(q Query) ([]Result, int, error)
}

// SectionRecord is the indexed form of one effective section.
type SectionRecord struct {
	ID         string `json:"id"`
	LogbookID  string `json:"logbookId"`
	PageType   string `json:"pageType"`
	SectionKey string `json:"sectionKey"`
	Visible    bool   `json:"visible"`
	Text       string `json:"text"`
}

type MediaRecord struct {
	ID        string `json:"id"`
	LogbookID string `json:"logbookId"`
	Filename  string `json:"filename"`
	Caption   string `json:"caption"`
}

// SectionRecordID is a Meilisearch-safe primary key for a section.
func SectionRecordID(logbookID string, pageType sections.PageType, sectionKey string) string {
	return fmt.Sprintf("%s__%s__%s", logbookID, pageType, sectionKey)
}

func NewSectionRecord(logbookID string, pageType sections.PageType, section content.EffectiveSection) SectionRecord {
	return SectionRecord{
		ID:         SectionRecordID(logbookID, pageType, section.Key),
		LogbookID:  logbookID,
		PageType:   string(pageType),
		SectionKey: section.Key,
		Visible:    section.Visible,
		Text:       FlattenText(section.Fields),
	}
}

// FlattenText joins every string found in a field bag, in key order, so the
// result is stable across runs.
func FlattenText(value any) string {
	var parts []string
	collectText(value, &parts)
	return strings.Join(parts, " ")
}

func collectText(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			*parts = append(*parts, s)
		}
	case []string:
		for _, item := range v {
			collectText(item, parts)
		}
	case []any:
		for _, item := range v {
			collectText(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectText(v[key], parts)
		}
	}
}

// Snippet returns up to width runes of text centred on the first
// case-insensitive match of term.
func Snippet(text, term string, width int) string {
	if width <= 0 {
		width = 80
	}
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(term))
	if idx < 0 || term == "" {
		return string(runes[:width]) + "…"
	}
	center := utf8.RuneCountInString(text[:idx])
	start := center - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
		start = end - width
	}
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

func sectionTitle(pageType, sectionKey string) string {
	return pageType + " / " + sectionKey
}
