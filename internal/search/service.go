package search

import (
	"context"

	"github.com/rs/zerolog"

	"logbook/api/internal/content"
	"logbook/api/internal/sections"
)

// Index is the write side of the primary search backend.
type Index interface {
	Searcher
	Healthy() bool
	IndexSections(records []SectionRecord) error
	IndexMedia(records []MediaRecord) error
	DeleteMedia(id string) error
}

// SectionSource resolves the effective sections of a page for reindexing.
type SectionSource interface {
	Resolve(ctx context.Context, pageType sections.PageType, logbookID string) ([]content.EffectiveSection, error)
}

// Service tries the primary index first and falls back to Postgres.
type Service struct {
	index    Index
	fallback Searcher
	log      zerolog.Logger
	async    bool
}

// NewService creates a search service. index and fallback may both be nil.
func NewService(index Index, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{
		index:    index,
		fallback: fallback,
		log:      log.With().Str("component", "search").Logger(),
		async:    true,
	}
}

func (s *Service) Search(q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("index search failed, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SectionChanged reindexes a section after a successful mutation.
func (s *Service) SectionChanged(_ context.Context, logbookID string, pageType sections.PageType, section content.EffectiveSection) {
	record := NewSectionRecord(logbookID, pageType, section)
	s.dispatch(func() {
		if err := s.index.IndexSections([]SectionRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("id", record.ID).Msg("index section")
		}
	})
}

func (s *Service) IndexMedia(record MediaRecord) {
	s.dispatch(func() {
		if err := s.index.IndexMedia([]MediaRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("id", record.ID).Msg("index media")
		}
	})
}

func (s *Service) DeleteMedia(id string) {
	s.dispatch(func() {
		if err := s.index.DeleteMedia(id); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("delete media")
		}
	})
}

// ReindexLogbook pushes every effective section of a logbook to the index.
func (s *Service) ReindexLogbook(ctx context.Context, source SectionSource, logbookID string, pageTypes []sections.PageType) error {
	if !s.indexReady() {
		return nil
	}
	var records []SectionRecord
	for _, pageType := range pageTypes {
		resolved, err := source.Resolve(ctx, pageType, logbookID)
		if err != nil {
			return err
		}
		for _, section := range resolved {
			records = append(records, NewSectionRecord(logbookID, pageType, section))
		}
	}
	return s.index.IndexSections(records)
}

// ReindexMedia pushes every stored media row to the index.
func (s *Service) ReindexMedia(ctx context.Context, pg *PgSearch) error {
	if !s.indexReady() || pg == nil {
		return nil
	}
	records, err := pg.LoadMediaRecords(ctx)
	if err != nil {
		return err
	}
	return s.index.IndexMedia(records)
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// dispatch runs fn off the request path when the index is reachable.
func (s *Service) dispatch(fn func()) {
	if !s.indexReady() {
		return
	}
	if s.async {
		go fn()
		return
	}
	fn()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
