package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"logbook/api/internal/sections"
)

// PgSearch is the PostgreSQL fallback. It matches overridden section text and
// media captions with ILIKE; sections still on their defaults are only
// searchable through Meilisearch.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.LogbookID == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	visibility := ""
	if !q.IncludeHidden {
		visibility = " AND o.visible IS DISTINCT FROM false"
	}
	query := fmt.Sprintf(`
		SELECT 'section'::text AS type, o.page_type, o.section_key, '' AS media_id, o.fields::text AS body
		FROM section_overrides o
		WHERE o.logbook_id = $1 AND o.fields::text ILIKE $2 ESCAPE '\'%s
		UNION ALL
		SELECT 'media'::text AS type, '' AS page_type, '' AS section_key, m.id AS media_id, m.filename || ' ' || m.caption AS body
		FROM gallery_media m
		WHERE m.logbook_id = $1 AND (m.caption ILIKE $2 ESCAPE '\' OR m.filename ILIKE $2 ESCAPE '\')
		LIMIT %d`, visibility, limit)

	ctx := context.Background()
	rows, err := p.db.QueryContext(ctx, query, q.LogbookID, "%"+escapeLike(text)+"%")
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var typ, pageType, sectionKey, mediaID, body string
		if err := rows.Scan(&typ, &pageType, &sectionKey, &mediaID, &body); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		switch ResultType(typ) {
		case ResultSection:
			var fields map[string]any
			if err := json.Unmarshal([]byte(body), &fields); err == nil {
				body = FlattenText(fields)
			}
			results = append(results, Result{
				Type:       ResultSection,
				ID:         SectionRecordID(q.LogbookID, sections.PageType(pageType), sectionKey),
				Title:      sectionTitle(pageType, sectionKey),
				Snippet:    Snippet(body, text, 80),
				PageType:   pageType,
				SectionKey: sectionKey,
			})
		case ResultMedia:
			results = append(results, Result{
				Type:    ResultMedia,
				ID:      mediaID,
				Title:   strings.TrimSpace(body),
				Snippet: Snippet(body, text, 80),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pg search rows: %w", err)
	}
	return results, len(results), nil
}

// LoadMediaRecords returns every media row for a full reindex.
func (p *PgSearch) LoadMediaRecords(ctx context.Context) ([]MediaRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, logbook_id, filename, caption FROM gallery_media`)
	if err != nil {
		return nil, fmt.Errorf("load media: %w", err)
	}
	defer rows.Close()

	records := make([]MediaRecord, 0)
	for rows.Next() {
		var r MediaRecord
		if err := rows.Scan(&r.ID, &r.LogbookID, &r.Filename, &r.Caption); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
