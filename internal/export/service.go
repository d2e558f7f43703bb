package export

import (
	"context"
	"fmt"
	"time"

	"logbook/api/internal/content"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

type SectionResolver interface {
	Resolve(ctx context.Context, pageType sections.PageType, logbookID string) ([]content.EffectiveSection, error)
}

type LogbookReader interface {
	GetLogbook(ctx context.Context, id string) (store.Logbook, error)
}

type PDFRenderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

type Service struct {
	registry *sections.Registry
	resolver SectionResolver
	logbooks LogbookReader
	pdf      PDFRenderer
	now      func() time.Time
}

// NewService creates an export service. pdf may be nil, in which case PDF
// requests fail with ErrPDFDependencyMissing.
func NewService(registry *sections.Registry, resolver SectionResolver, logbooks LogbookReader, pdf PDFRenderer) *Service {
	return &Service{
		registry: registry,
		resolver: resolver,
		logbooks: logbooks,
		pdf:      pdf,
		now:      time.Now,
	}
}

// Export renders the visible effective sections of one page.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	logbook, err := s.logbooks.GetLogbook(ctx, req.LogbookID)
	if err != nil {
		return nil, fmt.Errorf("get logbook: %w", err)
	}
	resolved, err := s.resolver.Resolve(ctx, req.PageType, req.LogbookID)
	if err != nil {
		return nil, fmt.Errorf("resolve page: %w", err)
	}

	data := TemplateData{
		LogbookName: logbook.Name,
		PageTitle:   humanize(string(req.PageType)),
		Theme:       logbook.Theme,
		GeneratedAt: s.now(),
	}
	for _, section := range resolved {
		if !section.Visible {
			continue
		}
		data.Sections = append(data.Sections, templateSection(section, s.fieldOrder(req.PageType, section)))
	}

	html, err := RenderPageHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	filename := sanitizeFilename(logbook.Name + " " + string(req.PageType))

	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: filename + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
	if s.pdf == nil {
		return nil, ErrPDFDependencyMissing
	}
	pdf, err := s.pdf.Render(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: filename + ".pdf", MimeType: "application/pdf"}, nil
}

func (s *Service) fieldOrder(pageType sections.PageType, section content.EffectiveSection) []string {
	def, ok := s.registry.Section(pageType, section.Key)
	if !ok {
		return nil
	}
	names := make([]string, len(def.Fields))
	for i, field := range def.Fields {
		names[i] = field.Name
	}
	return names
}
