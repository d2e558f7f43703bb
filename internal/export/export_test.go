package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logbook/api/internal/content"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

type fakePDF struct {
	html string
}

func (f *fakePDF) Render(_ context.Context, html string) ([]byte, error) {
	f.html = html
	return []byte("%PDF-1.7"), nil
}

func newExportFixture(t *testing.T, pdf PDFRenderer) *Service {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.CreateUser(ctx, store.User{ID: "u1", DisplayName: "Ada", Email: "ada@example.com"}))
	_, err := mem.CreateLogbook(ctx, store.Logbook{ID: "lb1", Name: "Smith Family", Slug: "smith", Theme: "forest", CreatedBy: "u1"})
	require.NoError(t, err)

	_, err = mem.UpsertOverride(ctx, "lb1", "home", "hero", store.OverridePatch{Fields: map[string]any{"title": "The Smiths"}, UpdatedBy: "u1"})
	require.NoError(t, err)
	_, err = mem.UpsertOverride(ctx, "lb1", "home", "timeline", store.OverridePatch{
		Fields:    map[string]any{"entries": []any{map[string]any{"year": "2020", "event": "Moved house"}}},
		UpdatedBy: "u1",
	})
	require.NoError(t, err)
	hidden := false
	_, err = mem.UpsertOverride(ctx, "lb1", "home", "welcome", store.OverridePatch{Visible: &hidden, UpdatedBy: "u1"})
	require.NoError(t, err)

	registry := sections.Default()
	svc := NewService(registry, content.NewResolver(registry, mem), mem, pdf)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestExportHTMLRendersVisibleSectionsOnly(t *testing.T) {
	svc := newExportFixture(t, nil)

	result, err := svc.Export(context.Background(), Request{LogbookID: "lb1", PageType: sections.PageHome, Format: FormatHTML})
	require.NoError(t, err)
	html := string(result.Data)

	assert.Equal(t, "Smith-Family-home.html", result.Filename)
	assert.Equal(t, "text/html; charset=utf-8", result.MimeType)
	assert.Contains(t, html, `class="theme-forest"`)
	assert.Contains(t, html, "<h2>The Smiths</h2>")
	assert.Contains(t, html, "<h2>Milestones</h2>")
	assert.Contains(t, html, "<li>Event: Moved house · Year: 2020</li>")
	assert.Contains(t, html, "Mar 1, 2026")
	assert.NotContains(t, html, `id="section-welcome"`)
	assert.NotContains(t, html, `id="section-stats"`)
}

func TestExportPDFUsesRenderer(t *testing.T) {
	pdf := &fakePDF{}
	svc := newExportFixture(t, pdf)

	result, err := svc.Export(context.Background(), Request{LogbookID: "lb1", PageType: sections.PageHome, Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "Smith-Family-home.pdf", result.Filename)
	assert.Equal(t, "application/pdf", result.MimeType)
	assert.Equal(t, []byte("%PDF-1.7"), result.Data)
	assert.Contains(t, pdf.html, "The Smiths")
}

func TestExportPDFWithoutRenderer(t *testing.T) {
	svc := newExportFixture(t, nil)
	_, err := svc.Export(context.Background(), Request{LogbookID: "lb1", PageType: sections.PageHome, Format: FormatPDF})
	assert.True(t, errors.Is(err, ErrPDFDependencyMissing))
}

func TestExportUnknownLogbook(t *testing.T) {
	svc := newExportFixture(t, nil)
	_, err := svc.Export(context.Background(), Request{LogbookID: "missing", PageType: sections.PageHome, Format: FormatHTML})
	assert.True(t, store.IsNotFound(err))
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := newExportFixture(t, nil)
	_, err := svc.Export(context.Background(), Request{LogbookID: "lb1", PageType: sections.PageHome, Format: "docx"})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat("")
	assert.True(t, ok)
	assert.Equal(t, FormatHTML, f)
	f, ok = ParseFormat("pdf")
	assert.True(t, ok)
	assert.Equal(t, FormatPDF, f)
	_, ok = ParseFormat("docx")
	assert.False(t, ok)
}

func TestChromePDFMissingBinary(t *testing.T) {
	_, err := ChromePDF{ExecPath: "definitely-not-a-chrome-binary"}.Render(context.Background(), "<p>x</p>")
	assert.True(t, errors.Is(err, ErrPDFDependencyMissing))
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "Show countdown", humanize("showCountdown"))
	assert.Equal(t, "Faq", humanize("faq"))
	assert.Equal(t, "Emergency contacts", humanize("emergency_contacts"))
}

func TestPercentEncodeForDataURL(t *testing.T) {
	assert.Equal(t, "a%20b%3C%C3%A9", percentEncodeForDataURL("a b<é"))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Our-Family-2026", sanitizeFilename("Our Family: 2026!"))
	assert.Equal(t, "logbook", sanitizeFilename("!!!"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 80)), 50)
}

func TestTemplateSectionSkipsToggles(t *testing.T) {
	section := content.EffectiveSection{Key: "stats", Fields: map[string]any{
		"showMemberCount": true,
		"highlights":      []any{"Reunion", ""},
	}}
	out := templateSection(section, []string{"showMemberCount", "highlights"})
	assert.Equal(t, "Stats", out.Heading)
	require.Len(t, out.Fields, 1)
	assert.Equal(t, []string{"Reunion"}, out.Fields[0].Items)
}
