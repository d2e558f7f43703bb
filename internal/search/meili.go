package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxSections = "logbook_sections"
	idxMedia    = "logbook_media"
)

// Meili implements Searcher and the index side of Service via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log.With().Str("component", "meilisearch").Logger(),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSections,
			filterable: []string{"logbookId", "pageType", "visible"},
			searchable: []string{"text", "sectionKey"},
		},
		{
			uid:        idxMedia,
			filterable: []string{"logbookId"},
			searchable: []string{"caption", "filename"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes for one logbook and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	scope := fmt.Sprintf("logbookId = %q", q.LogbookID)
	sectionFilter := []string{scope}
	if !q.IncludeHidden {
		sectionFilter = append(sectionFilter, "visible = true")
	}

	queries := []*meili.SearchRequest{
		{
			IndexUID:              idxSections,
			Query:                 q.Text,
			Limit:                 limit,
			Filter:                sectionFilter,
			AttributesToHighlight: []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		},
		{
			IndexUID:              idxMedia,
			Query:                 q.Text,
			Limit:                 limit,
			Filter:                []string{scope},
			AttributesToHighlight: []string{"caption"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		},
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, sr.IndexUID))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit, indexUID string) Result {
	r := Result{ID: decodeString(hit, "id")}
	switch indexUID {
	case idxSections:
		r.Type = ResultSection
		r.PageType = decodeString(hit, "pageType")
		r.SectionKey = decodeString(hit, "sectionKey")
		r.Title = sectionTitle(r.PageType, r.SectionKey)
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
	case idxMedia:
		r.Type = ResultMedia
		r.Title = decodeString(hit, "filename")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "caption"), decodeString(hit, "caption"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexSections(records []SectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSections).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexMedia(records []MediaRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMedia).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteMedia(id string) error {
	_, err := m.client.Index(idxMedia).DeleteDocument(id, nil)
	return err
}
