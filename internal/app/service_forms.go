package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/search"
	"bloomsite/api/internal/store"
)

const (
	FormTypeIntake  = "intake"
	FormTypeConfirm = "confirm"
)

var allowedFieldTypes = map[string]struct{}{
	"text":        {},
	"text_area":   {},
	"email":       {},
	"select":      {},
	"select_few":  {},
	"multiselect": {},
}

// FormInput is a partial form; nil fields keep their current value on
// update and take defaults on create.
type FormInput struct {
	Title            *string `json:"title"`
	Description      *string `json:"description"`
	ShortDescription *string `json:"shortDescription"`
	Icon             *string `json:"icon"`
	FormType         *string `json:"formType"`
	IsActive         *bool   `json:"isActive"`
	Order            *int    `json:"order"`
}

type SectionInput struct {
	Title           *string     `json:"title"`
	Description     *string     `json:"description"`
	Order           *int        `json:"order"`
	IsRepeatable    *bool       `json:"isRepeatable"`
	RepeatableCount optionalInt `json:"repeatableCount"`
}

// optionalInt tells an absent member apart from an explicit null, which
// clears the stored value.
type optionalInt struct {
	Set   bool
	Value *int
}

func (o *optionalInt) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	o.Value = &value
	return nil
}

type FieldInput struct {
	Label       *string         `json:"label"`
	Description *string         `json:"description"`
	FieldType   *string         `json:"fieldType"`
	IsRequired  *bool           `json:"isRequired"`
	Placeholder *string         `json:"placeholder"`
	Options     json.RawMessage `json:"options"`
	Order       *int            `json:"order"`
}

// PublicDefinitions lists the latest active definition of every form from
// the document store.
func (s *Service) PublicDefinitions(ctx context.Context) ([]map[string]any, error) {
	if s.docs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "DOCUMENT_STORE_UNAVAILABLE", "Document store is not configured", nil)
	}
	defs, err := s.docs.ListActiveDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		items = append(items, map[string]any{
			"formId":  def.FormID,
			"title":   def.Title,
			"version": def.Version,
		})
	}
	return items, nil
}

func (s *Service) Definition(ctx context.Context, formID string) (formdef.Definition, error) {
	if s.docs == nil {
		return formdef.Definition{}, domainError(http.StatusServiceUnavailable, "DOCUMENT_STORE_UNAVAILABLE", "Document store is not configured", nil)
	}
	def, err := s.docs.GetLatestDefinition(ctx, formID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return formdef.Definition{}, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
		}
		return formdef.Definition{}, err
	}
	if !def.IsActive {
		return formdef.Definition{}, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
	}
	return def, nil
}

// FormsOverview lists active forms of one type from the relational store,
// ordered by sort order and form id.
func (s *Service) FormsOverview(ctx context.Context, formType string) ([]map[string]any, error) {
	forms, err := s.store.ListForms(ctx, store.FormFilter{ActiveOnly: true, FormType: formType})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(forms))
	for _, form := range forms {
		items = append(items, overviewPayload(form))
	}
	return items, nil
}

// AvailableForms marks which active intake forms the user already submitted.
func (s *Service) AvailableForms(ctx context.Context, session Session) ([]map[string]any, error) {
	items, err := s.FormsOverview(ctx, FormTypeIntake)
	if err != nil {
		return nil, err
	}
	submitted, err := s.store.SubmittedFormIDs(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		item["isSubmitted"] = submitted[item["formId"].(string)]
	}
	return items, nil
}

// FormDetail renders an active form straight from the relational tree.
func (s *Service) FormDetail(ctx context.Context, formID string) (map[string]any, error) {
	tree, err := s.store.LoadFormTree(ctx, formID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
		}
		return nil, err
	}
	if !tree.Form.IsActive {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
	}

	sections := make([]map[string]any, 0, len(tree.Sections))
	for _, section := range tree.Sections {
		fields := make([]map[string]any, 0, len(section.Fields))
		for _, field := range section.Fields {
			fields = append(fields, map[string]any{
				"label":       field.Label,
				"description": field.Description,
				"type":        field.FieldType,
				"required":    field.IsRequired,
				"placeholder": field.Placeholder,
				"options":     rawOrEmptyList(field.Options),
			})
		}
		sections = append(sections, map[string]any{
			"title":           section.Title,
			"description":     section.Description,
			"isRepeatable":    section.IsRepeatable,
			"repeatableCount": section.RepeatableCount,
			"fields":          fields,
		})
	}

	payload := overviewPayload(tree.Form)
	payload["sections"] = sections
	return payload, nil
}

func (s *Service) SearchForms(q string, limit, offset int) search.Response {
	query := search.Query{Text: strings.TrimSpace(q), Limit: limit, Offset: offset}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}
	}
	return s.search.Search(query)
}

func (s *Service) AdminListForms(ctx context.Context) ([]map[string]any, error) {
	forms, err := s.store.ListForms(ctx, store.FormFilter{})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(forms))
	for _, form := range forms {
		items = append(items, formPayload(form))
	}
	return items, nil
}

func (s *Service) AdminFormTree(ctx context.Context, formID string) (map[string]any, error) {
	tree, err := s.store.LoadFormTree(ctx, formID)
	if err != nil {
		return nil, err
	}
	sections := make([]map[string]any, 0, len(tree.Sections))
	for _, section := range tree.Sections {
		fields := make([]map[string]any, 0, len(section.Fields))
		for _, field := range section.Fields {
			fields = append(fields, fieldPayload(field))
		}
		item := sectionPayload(section.FormSection)
		item["fields"] = fields
		sections = append(sections, item)
	}
	payload := formPayload(tree.Form)
	payload["sections"] = sections
	return payload, nil
}

func (s *Service) CreateForm(ctx context.Context, session Session, input FormInput) (map[string]any, error) {
	values := store.FormInput{IsActive: true, FormType: FormTypeIntake}
	applyFormInput(&values, input)
	if err := validateForm(values); err != nil {
		return nil, err
	}

	form, err := s.store.CreateForm(ctx, formdef.NewFormID(values.Title), values, session.UserID)
	if err != nil {
		return nil, err
	}
	s.notify()
	s.log.Info().Str("form_id", form.FormID).Str("user_id", session.UserID).Msg("form created")
	return formPayload(form), nil
}

func (s *Service) UpdateForm(ctx context.Context, formID string, input FormInput) (map[string]any, error) {
	current, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	values := formValues(current)
	applyFormInput(&values, input)
	if err := validateForm(values); err != nil {
		return nil, err
	}
	return s.writeForm(ctx, formID, values)
}

// DeactivateForm hides a form from public listings. Forms are never
// hard-deleted so stored submissions keep their context.
func (s *Service) DeactivateForm(ctx context.Context, formID string) (map[string]any, error) {
	current, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	values := formValues(current)
	values.IsActive = false
	return s.writeForm(ctx, formID, values)
}

func (s *Service) writeForm(ctx context.Context, formID string, values store.FormInput) (map[string]any, error) {
	form, changed, err := s.store.UpdateForm(ctx, formID, values)
	if err != nil {
		return nil, err
	}
	if changed {
		s.notify()
	}
	payload := formPayload(form)
	payload["changed"] = changed
	return payload, nil
}

func (s *Service) CreateSection(ctx context.Context, formID string, input SectionInput) (map[string]any, error) {
	values := store.SectionInput{}
	applySectionInput(&values, input)
	if err := validateSection(values); err != nil {
		return nil, err
	}
	section, err := s.store.CreateSection(ctx, formID, values)
	if err != nil {
		return nil, err
	}
	s.notify()
	return sectionPayload(section), nil
}

func (s *Service) UpdateSection(ctx context.Context, formID string, sectionID int64, input SectionInput) (map[string]any, error) {
	tree, err := s.store.LoadFormTree(ctx, formID)
	if err != nil {
		return nil, err
	}
	current, ok := findSection(tree, sectionID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Section not found", nil)
	}
	values := store.SectionInput{
		Title:           current.Title,
		Description:     current.Description,
		Order:           current.Order,
		IsRepeatable:    current.IsRepeatable,
		RepeatableCount: current.RepeatableCount,
	}
	applySectionInput(&values, input)
	if err := validateSection(values); err != nil {
		return nil, err
	}
	section, changed, err := s.store.UpdateSection(ctx, formID, sectionID, values)
	if err != nil {
		return nil, err
	}
	if changed {
		s.notify()
	}
	payload := sectionPayload(section)
	payload["changed"] = changed
	return payload, nil
}

func (s *Service) DeleteSection(ctx context.Context, formID string, sectionID int64) error {
	if err := s.store.DeleteSection(ctx, formID, sectionID); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Service) CreateField(ctx context.Context, formID string, sectionID int64, input FieldInput) (map[string]any, error) {
	values := store.FieldInput{FieldType: "text"}
	applyFieldInput(&values, input)
	if err := validateField(values); err != nil {
		return nil, err
	}
	field, err := s.store.CreateField(ctx, formID, sectionID, values)
	if err != nil {
		return nil, err
	}
	s.notify()
	return fieldPayload(field), nil
}

func (s *Service) UpdateField(ctx context.Context, formID string, fieldID int64, input FieldInput) (map[string]any, error) {
	tree, err := s.store.LoadFormTree(ctx, formID)
	if err != nil {
		return nil, err
	}
	current, ok := findField(tree, fieldID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Field not found", nil)
	}
	values := store.FieldInput{
		Label:       current.Label,
		Description: current.Description,
		FieldType:   current.FieldType,
		IsRequired:  current.IsRequired,
		Placeholder: current.Placeholder,
		Options:     current.Options,
		Order:       current.Order,
	}
	applyFieldInput(&values, input)
	if err := validateField(values); err != nil {
		return nil, err
	}
	field, changed, err := s.store.UpdateField(ctx, formID, fieldID, values)
	if err != nil {
		return nil, err
	}
	if changed {
		s.notify()
	}
	payload := fieldPayload(field)
	payload["changed"] = changed
	return payload, nil
}

func (s *Service) DeleteField(ctx context.Context, formID string, fieldID int64) error {
	if err := s.store.DeleteField(ctx, formID, fieldID); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ResyncForm enqueues a rebuild without touching the form, for definitions
// that drifted or were dead-lettered.
func (s *Service) ResyncForm(ctx context.Context, formID string) (map[string]any, error) {
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	if err := s.store.EnqueueFormSync(ctx, formID); err != nil {
		return nil, err
	}
	s.notify()
	return map[string]any{"formId": formID, "enqueued": true}, nil
}

func (s *Service) ResyncAll(ctx context.Context) (map[string]any, error) {
	ids, err := s.store.ListFormIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.store.EnqueueFormSync(ctx, id); err != nil {
			return nil, err
		}
	}
	s.notify()
	return map[string]any{"enqueued": len(ids)}, nil
}

func (s *Service) SyncOutbox(ctx context.Context, status string, limit int) (map[string]any, error) {
	summary, err := s.store.SummarizeFormSync(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListFormSync(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"formId":        entry.FormID,
			"generation":    entry.Generation,
			"status":        entry.Status,
			"attemptCount":  entry.AttemptCount,
			"nextAttemptAt": entry.NextAttemptAt.UTC().Format(time.RFC3339),
			"lastError":     entry.LastError,
			"enqueuedAt":    entry.EnqueuedAt.UTC().Format(time.RFC3339),
			"updatedAt":     entry.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"summary": summary, "entries": items}, nil
}

func (s *Service) RequeueOutbox(ctx context.Context, formID string) (map[string]any, error) {
	ok, err := s.store.RequeueFormSync(ctx, formID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No dead-lettered sync for this form", nil)
	}
	s.notify()
	return map[string]any{"formId": formID, "requeued": true}, nil
}

func applyFormInput(values *store.FormInput, input FormInput) {
	if input.Title != nil {
		values.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		values.Description = *input.Description
	}
	if input.ShortDescription != nil {
		values.ShortDescription = *input.ShortDescription
	}
	if input.Icon != nil {
		values.Icon = *input.Icon
	}
	if input.FormType != nil {
		values.FormType = strings.TrimSpace(*input.FormType)
	}
	if input.IsActive != nil {
		values.IsActive = *input.IsActive
	}
	if input.Order != nil {
		values.Order = *input.Order
	}
}

func formValues(form store.Form) store.FormInput {
	return store.FormInput{
		Title:            form.Title,
		Description:      form.Description,
		ShortDescription: form.ShortDescription,
		Icon:             form.Icon,
		FormType:         form.FormType,
		IsActive:         form.IsActive,
		Order:            form.Order,
	}
}

func validateForm(values store.FormInput) error {
	if values.Title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", map[string]any{"field": "title"})
	}
	if values.FormType != FormTypeIntake && values.FormType != FormTypeConfirm {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "formType must be intake or confirm", map[string]any{"field": "formType"})
	}
	return nil
}

func applySectionInput(values *store.SectionInput, input SectionInput) {
	if input.Title != nil {
		values.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		values.Description = *input.Description
	}
	if input.Order != nil {
		values.Order = *input.Order
	}
	if input.IsRepeatable != nil {
		values.IsRepeatable = *input.IsRepeatable
	}
	if input.RepeatableCount.Set {
		values.RepeatableCount = input.RepeatableCount.Value
	}
}

func validateSection(values store.SectionInput) error {
	if values.Title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", map[string]any{"field": "title"})
	}
	if values.RepeatableCount != nil && *values.RepeatableCount < 1 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "repeatableCount must be positive", map[string]any{"field": "repeatableCount"})
	}
	return nil
}

func applyFieldInput(values *store.FieldInput, input FieldInput) {
	if input.Label != nil {
		values.Label = strings.TrimSpace(*input.Label)
	}
	if input.Description != nil {
		values.Description = *input.Description
	}
	if input.FieldType != nil {
		values.FieldType = strings.TrimSpace(*input.FieldType)
	}
	if input.IsRequired != nil {
		values.IsRequired = *input.IsRequired
	}
	if input.Placeholder != nil {
		values.Placeholder = *input.Placeholder
	}
	if len(input.Options) > 0 {
		values.Options = input.Options
	}
	if input.Order != nil {
		values.Order = *input.Order
	}
}

func validateField(values store.FieldInput) error {
	if values.Label == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "label is required", map[string]any{"field": "label"})
	}
	if _, ok := allowedFieldTypes[values.FieldType]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported fieldType", map[string]any{"field": "fieldType", "value": values.FieldType})
	}
	if len(values.Options) > 0 && string(values.Options) != "null" {
		var options []any
		if err := json.Unmarshal(values.Options, &options); err != nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "options must be a JSON list", map[string]any{"field": "options"})
		}
	}
	return nil
}

func findSection(tree store.FormTree, sectionID int64) (store.FormSection, bool) {
	for _, section := range tree.Sections {
		if section.ID == sectionID {
			return section.FormSection, true
		}
	}
	return store.FormSection{}, false
}

func findField(tree store.FormTree, fieldID int64) (store.FormField, bool) {
	for _, section := range tree.Sections {
		for _, field := range section.Fields {
			if field.ID == fieldID {
				return field, true
			}
		}
	}
	return store.FormField{}, false
}

func overviewPayload(form store.Form) map[string]any {
	return map[string]any{
		"formId":           form.FormID,
		"title":            form.Title,
		"icon":             form.Icon,
		"description":      form.Description,
		"shortDescription": form.ShortDescription,
		"formType":         form.FormType,
		"version":          strconv.Itoa(form.Version),
	}
}

func formPayload(form store.Form) map[string]any {
	payload := overviewPayload(form)
	payload["id"] = form.ID
	payload["isActive"] = form.IsActive
	payload["order"] = form.Order
	payload["createdBy"] = form.CreatedByName
	payload["createdAt"] = form.CreatedAt.UTC().Format(time.RFC3339)
	payload["updatedAt"] = form.UpdatedAt.UTC().Format(time.RFC3339)
	return payload
}

func sectionPayload(section store.FormSection) map[string]any {
	return map[string]any{
		"id":              section.ID,
		"title":           section.Title,
		"description":     section.Description,
		"order":           section.Order,
		"isRepeatable":    section.IsRepeatable,
		"repeatableCount": section.RepeatableCount,
	}
}

func fieldPayload(field store.FormField) map[string]any {
	return map[string]any{
		"id":          field.ID,
		"sectionId":   field.SectionID,
		"label":       field.Label,
		"description": field.Description,
		"fieldType":   field.FieldType,
		"isRequired":  field.IsRequired,
		"placeholder": field.Placeholder,
		"options":     rawOrEmptyList(field.Options),
		"order":       field.Order,
	}
}

func rawOrEmptyList(value json.RawMessage) json.RawMessage {
	if len(value) == 0 || string(value) == "null" {
		return json.RawMessage("[]")
	}
	return value
}
