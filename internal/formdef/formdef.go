// Package formdef turns the relational form tree into the denormalized
// FormDefinition document served to public readers.
package formdef

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"bloomsite/api/internal/store"
	"bloomsite/api/internal/util"
)

const (
	DocumentType = "FormDefinition"
	// PartitionKey is shared by every definition so active listings stay
	// within one logical partition.
	PartitionKey = DocumentType
)

type Field struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Description string          `json:"description"`
	FieldType   string          `json:"fieldType"`
	IsRequired  bool            `json:"isRequired"`
	Placeholder string          `json:"placeholder"`
	Options     json.RawMessage `json:"options"`
	Order       int             `json:"order"`
}

type Section struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	IsRepeatable    bool    `json:"isRepeatable"`
	RepeatableCount *int    `json:"repeatableCount"`
	Order           int     `json:"order"`
	Fields          []Field `json:"fields"`
}

type Definition struct {
	ID            string    `json:"id"`
	PK            string    `json:"pk"`
	Type          string    `json:"type"`
	FormID        string    `json:"formId"`
	Slug          string    `json:"slug"`
	IsActive      bool      `json:"isActive"`
	IsLatest      bool      `json:"isLatest"`
	Title         string    `json:"title"`
	Version       string    `json:"version"`
	VersionNumber int       `json:"versionNumber"`
	Description   string    `json:"description"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     string    `json:"createdAt"`
	UpdatedAt     string    `json:"updatedAt"`
	Sections      []Section `json:"sections"`
	SyncedAt      string    `json:"syncedAt,omitempty"`
}

var fieldTypes = map[string]string{
	"text":        "text",
	"text_area":   "textarea",
	"email":       "text",
	"multiselect": "multiselect",
	"select":      "select",
	"select_few":  "multiselect",
}

// MapFieldType never fails; unknown types render as text.
func MapFieldType(fieldType string) string {
	if mapped, ok := fieldTypes[fieldType]; ok {
		return mapped
	}
	return "text"
}

func DocumentID(pk int64, version int) string {
	return fmt.Sprintf("form_def_%d_v%d", pk, version)
}

// NewFormID returns the immutable public id for a new form.
func NewFormID(title string) string {
	slug := util.Slugify(title)
	if slug == "" {
		slug = "form"
	}
	return slug + "-" + util.RandomSuffix(6)
}

func slugOr(value, fallback string) string {
	if slug := util.Slugify(value); slug != "" {
		return slug
	}
	return fallback
}

// FormSlug is the slugified title, or form-{pk} when the title has no
// slug-safe characters.
func FormSlug(title string, pk int64) string {
	return slugOr(title, fmt.Sprintf("form-%d", pk))
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Build is a pure function of the tree; only SyncedAt depends on syncedAt.
func Build(tree store.FormTree, syncedAt time.Time) Definition {
	form := tree.Form

	sections := make([]store.SectionTree, len(tree.Sections))
	copy(sections, tree.Sections)
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].Order != sections[j].Order {
			return sections[i].Order < sections[j].Order
		}
		return sections[i].ID < sections[j].ID
	})

	docSections := make([]Section, 0, len(sections))
	for _, section := range sections {
		fields := make([]store.FormField, len(section.Fields))
		copy(fields, section.Fields)
		sort.SliceStable(fields, func(i, j int) bool {
			if fields[i].Order != fields[j].Order {
				return fields[i].Order < fields[j].Order
			}
			return fields[i].ID < fields[j].ID
		})

		docFields := make([]Field, 0, len(fields))
		for _, field := range fields {
			options := field.Options
			if len(options) == 0 || string(options) == "null" {
				options = json.RawMessage("[]")
			}
			docFields = append(docFields, Field{
				ID:          slugOr(field.Label, fmt.Sprintf("field-%d", field.ID)),
				Label:       field.Label,
				Description: field.Description,
				FieldType:   MapFieldType(field.FieldType),
				IsRequired:  field.IsRequired,
				Placeholder: field.Placeholder,
				Options:     options,
				Order:       field.Order,
			})
		}

		var repeatable *int
		if section.RepeatableCount != nil {
			count := *section.RepeatableCount
			repeatable = &count
		}
		docSections = append(docSections, Section{
			ID:              slugOr(section.Title, fmt.Sprintf("section-%d", section.ID)),
			Title:           section.Title,
			Description:     section.Description,
			IsRepeatable:    section.IsRepeatable,
			RepeatableCount: repeatable,
			Order:           section.Order,
			Fields:          docFields,
		})
	}

	return Definition{
		ID:            DocumentID(form.ID, form.Version),
		PK:            PartitionKey,
		Type:          DocumentType,
		FormID:        form.FormID,
		Slug:          FormSlug(form.Title, form.ID),
		IsActive:      form.IsActive,
		IsLatest:      true,
		Title:         form.Title,
		Version:       strconv.Itoa(form.Version),
		VersionNumber: form.Version,
		Description:   form.Description,
		CreatedBy:     form.CreatedByName,
		CreatedAt:     timestamp(form.CreatedAt),
		UpdatedAt:     timestamp(form.UpdatedAt),
		Sections:      docSections,
		SyncedAt:      timestamp(syncedAt),
	}
}
