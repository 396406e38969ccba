package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"bloomsite/api/internal/formdef"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It matches on form titles and descriptions only.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM forms
		WHERE is_active AND fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, form_id, title,
			ts_headline('english', description, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			version
		FROM forms
		WHERE is_active AND fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC, title
		LIMIT $2 OFFSET $3
	`, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var pk int64
		var version int
		if err := rows.Scan(&pk, &r.FormID, &r.Title, &r.Snippet, &version); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Slug = formdef.FormSlug(r.Title, pk)
		r.Version = strconv.Itoa(version)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every active form with its section titles and
// field labels for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FormRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.form_id, f.title, f.description, f.version,
			COALESCE((
				SELECT json_agg(s.title ORDER BY s.sort_order, s.id)
				FROM form_sections s WHERE s.form_id = f.id
			), '[]'::json) AS section_titles,
			COALESCE((
				SELECT json_agg(ff.label ORDER BY s.sort_order, s.id, ff.sort_order, ff.id)
				FROM form_fields ff
				JOIN form_sections s ON s.id = ff.section_id
				WHERE s.form_id = f.id
			), '[]'::json) AS field_labels
		FROM forms f
		WHERE f.is_active
		ORDER BY f.form_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load forms: %w", err)
	}
	defer rows.Close()

	records := make([]FormRecord, 0)
	for rows.Next() {
		var record FormRecord
		var pk int64
		var version int
		var sections, fields []byte
		if err := rows.Scan(&pk, &record.ID, &record.Title, &record.Description, &version, &sections, &fields); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		if err := json.Unmarshal(sections, &record.SectionTitles); err != nil {
			return nil, fmt.Errorf("decode section titles for %s: %w", record.ID, err)
		}
		if err := json.Unmarshal(fields, &record.FieldLabels); err != nil {
			return nil, fmt.Errorf("decode field labels for %s: %w", record.ID, err)
		}
		record.Slug = formdef.FormSlug(record.Title, pk)
		record.Version = strconv.Itoa(version)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return records, nil
}
