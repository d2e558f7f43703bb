// Package export renders a logbook page's visible sections to HTML or PDF.
package export

import (
	"errors"

	"logbook/api/internal/sections"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat defaults to HTML when value is empty.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, true
	case FormatPDF:
		return FormatPDF, true
	default:
		return "", false
	}
}

type Request struct {
	LogbookID string
	PageType  sections.PageType
	Format    Format
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates no Chromium binary could be found.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("export format unsupported")
)
