// Package search indexes published form definitions for the public search
// endpoint. Meilisearch serves queries when healthy; PostgreSQL full-text
// search over the forms table is the fallback.
package search

import (
	"strings"

	"bloomsite/api/internal/formdef"
)

// Result is a single search hit returned to the caller.
type Result struct {
	FormID  string `json:"formId"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Snippet string `json:"snippet"`
	Version string `json:"version"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// FormRecord is the data we index for one form. Only the latest active
// definition of a form is indexed, keyed by its formId.
type FormRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Slug          string   `json:"slug"`
	Description   string   `json:"description"`
	Version       string   `json:"version"`
	SectionTitles []string `json:"sectionTitles"`
	FieldLabels   []string `json:"fieldLabels"`
}

// RecordFromDefinition flattens a definition into its searchable text.
func RecordFromDefinition(def formdef.Definition) FormRecord {
	record := FormRecord{
		ID:            def.FormID,
		Title:         def.Title,
		Slug:          def.Slug,
		Description:   strings.TrimSpace(def.Description),
		Version:       def.Version,
		SectionTitles: make([]string, 0, len(def.Sections)),
		FieldLabels:   make([]string, 0),
	}
	for _, section := range def.Sections {
		if title := strings.TrimSpace(section.Title); title != "" {
			record.SectionTitles = append(record.SectionTitles, title)
		}
		for _, field := range section.Fields {
			if label := strings.TrimSpace(field.Label); label != "" {
				record.FieldLabels = append(record.FieldLabels, label)
			}
		}
	}
	return record
}
