package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bloomsite/api/internal/agent"
	"bloomsite/api/internal/content"
	"bloomsite/api/internal/export"
	"bloomsite/api/internal/rbac"
	"bloomsite/api/internal/store"
)

// MaxImageSize bounds a single uploaded image.
const MaxImageSize = 10 << 20

type SubmitInput struct {
	FormID      string          `json:"formId"`
	FormName    string          `json:"formName"`
	FormVersion json.Number     `json:"formVersion"`
	Answers     json.RawMessage `json:"answers"`
}

type ConfirmAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type ConfirmInput struct {
	FormID      string          `json:"formId"`
	FormName    string          `json:"formName"`
	FormVersion json.Number     `json:"formVersion"`
	Answers     []ConfirmAnswer `json:"answers"`
}

type ProgressInput struct {
	FormID      string          `json:"formId"`
	FormVersion json.Number     `json:"formVersion"`
	Answers     json.RawMessage `json:"answers"`
}

func (s *Service) Submit(ctx context.Context, session Session, input SubmitInput) (map[string]any, error) {
	if !isJSONObject(input.Answers) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "answers must be an object", map[string]any{"field": "answers"})
	}
	form, version, err := s.resolveForm(ctx, input.FormID, input.FormVersion)
	if err != nil {
		return nil, err
	}
	submission, err := s.store.SaveSubmission(ctx, store.Submission{
		ID:          uuid.NewString(),
		UserID:      session.UserID,
		FormID:      form.FormID,
		FormName:    firstNonEmpty(input.FormName, form.Title),
		FormVersion: version,
		Kind:        store.SubmissionKindSubmission,
		Answers:     input.Answers,
	})
	if err != nil {
		return nil, err
	}
	return submissionPayload(submission), nil
}

// Confirm stores question/answer pairs for a confirm-type form.
func (s *Service) Confirm(ctx context.Context, session Session, input ConfirmInput) (map[string]any, error) {
	if len(input.Answers) == 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "answers are required", map[string]any{"field": "answers"})
	}
	form, version, err := s.resolveForm(ctx, input.FormID, input.FormVersion)
	if err != nil {
		return nil, err
	}
	if form.FormType != FormTypeConfirm {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "form is not a confirmation form", map[string]any{"formId": form.FormID})
	}
	answers, err := json.Marshal(input.Answers)
	if err != nil {
		return nil, err
	}
	submission, err := s.store.SaveSubmission(ctx, store.Submission{
		ID:          uuid.NewString(),
		UserID:      session.UserID,
		FormID:      form.FormID,
		FormName:    firstNonEmpty(input.FormName, form.Title),
		FormVersion: version,
		Kind:        store.SubmissionKindConfirmation,
		Answers:     answers,
	})
	if err != nil {
		return nil, err
	}
	return submissionPayload(submission), nil
}

// resolveForm checks that the form exists and is active. A missing version
// means the form's current version.
func (s *Service) resolveForm(ctx context.Context, formID string, version json.Number) (store.Form, int, error) {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return store.Form{}, 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "formId is required", map[string]any{"field": "formId"})
	}
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Form{}, 0, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
		}
		return store.Form{}, 0, err
	}
	if !form.IsActive {
		return store.Form{}, 0, domainError(http.StatusNotFound, "NOT_FOUND", "Form not found.", nil)
	}
	if version == "" {
		return form, form.Version, nil
	}
	parsed, err := strconv.Atoi(version.String())
	if err != nil || parsed < 1 {
		return store.Form{}, 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "formVersion must be a positive integer", map[string]any{"field": "formVersion"})
	}
	return form, parsed, nil
}

// DeleteSubmission removes a user's submission for a form. Admins may name
// another user.
func (s *Service) DeleteSubmission(ctx context.Context, session Session, formID, userID string) error {
	if strings.TrimSpace(formID) == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "formId is required", map[string]any{"field": "formId"})
	}
	owner := session.UserID
	if userID != "" && userID != session.UserID {
		if !s.isAdmin(session) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		owner = userID
	}
	if err := s.store.DeleteSubmission(ctx, owner, formID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Submission not found", nil)
		}
		return err
	}
	return nil
}

// ListSubmissions returns the caller's submissions, or everyone's for admins.
func (s *Service) ListSubmissions(ctx context.Context, session Session, kind string) ([]map[string]any, error) {
	owner := session.UserID
	if s.isAdmin(session) {
		owner = ""
	}
	if kind == "" {
		kind = store.SubmissionKindSubmission
	}
	submissions, err := s.store.ListSubmissions(ctx, owner, kind)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(submissions))
	for _, submission := range submissions {
		items = append(items, submissionPayload(submission))
	}
	return items, nil
}

// UserSubmission returns the caller's own submission for one form.
func (s *Service) UserSubmission(ctx context.Context, session Session, formID, kind string) (map[string]any, error) {
	if kind == "" {
		kind = store.SubmissionKindSubmission
	}
	submissions, err := s.store.ListSubmissions(ctx, session.UserID, kind)
	if err != nil {
		return nil, err
	}
	for _, submission := range submissions {
		if submission.FormID == formID {
			return submissionPayload(submission), nil
		}
	}
	return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Submission not found", nil)
}

func (s *Service) GetProgress(ctx context.Context, session Session, formID string) (map[string]any, error) {
	if strings.TrimSpace(formID) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "formId is required", map[string]any{"field": "formId"})
	}
	progress, err := s.store.GetProgress(ctx, session.UserID, formID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No progress saved", nil)
		}
		return nil, err
	}
	return progressPayload(progress), nil
}

func (s *Service) SaveProgress(ctx context.Context, session Session, input ProgressInput) (map[string]any, error) {
	if !isJSONObject(input.Answers) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "answers must be an object", map[string]any{"field": "answers"})
	}
	form, version, err := s.resolveForm(ctx, input.FormID, input.FormVersion)
	if err != nil {
		return nil, err
	}
	progress, err := s.store.SaveProgress(ctx, store.Progress{
		UserID:      session.UserID,
		FormID:      form.FormID,
		FormVersion: version,
		Answers:     input.Answers,
	})
	if err != nil {
		return nil, err
	}
	return progressPayload(progress), nil
}

// ExportSubmission renders a submission the caller owns, or any submission
// for admins.
func (s *Service) ExportSubmission(ctx context.Context, session Session, submissionID, rawFormat string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "format"})
	}
	submission, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Submission not found", nil)
		}
		return nil, err
	}
	if submission.UserID != session.UserID && !s.isAdmin(session) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Submission not found", nil)
	}
	result, err := s.exporter.Export(ctx, submission, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) UploadImage(ctx context.Context, session Session, body io.ReadSeeker, size int64, contentType string) (map[string]any, error) {
	if s.uploader == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "file must be an image", map[string]any{"contentType": contentType})
	}
	object, err := s.uploader.Upload(ctx, session.UserID, body, size, contentType)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", session.UserID).Msg("upload image")
		return nil, upstreamError("UPLOAD_FAILED", "Image upload failed", err)
	}
	return map[string]any{"name": object.Name, "url": object.URL}, nil
}

// GenerateContent validates the brief and asks the agent for page copy.
func (s *Service) GenerateContent(ctx context.Context, input content.Request) (map[string]any, error) {
	req, err := content.Validate(input)
	if err != nil {
		var fields content.FieldErrors
		if errors.As(err, &fields) {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid content request", map[string]string(fields))
		}
		return nil, err
	}
	if s.agent == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", "Content agent is not configured", nil)
	}
	text, err := s.agent.Generate(ctx, content.Prompt(req))
	if err != nil {
		if errors.Is(err, agent.ErrAgent) {
			return nil, upstreamError("AGENT_ERROR", err.Error(), err)
		}
		return nil, err
	}
	return map[string]any{"content": text}, nil
}

func (s *Service) isAdmin(session Session) bool {
	return s.Can(session.Role, rbac.ActionManageUsers)
}

func submissionPayload(submission store.Submission) map[string]any {
	return map[string]any{
		"id":          submission.ID,
		"userId":      submission.UserID,
		"formId":      submission.FormID,
		"formName":    submission.FormName,
		"formVersion": strconv.Itoa(submission.FormVersion),
		"kind":        submission.Kind,
		"answers":     rawOrEmpty(submission.Answers),
		"email":       submission.Email,
		"firstName":   submission.FirstName,
		"lastName":    submission.LastName,
		"createdAt":   submission.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   submission.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func progressPayload(progress store.Progress) map[string]any {
	return map[string]any{
		"formId":      progress.FormID,
		"formVersion": strconv.Itoa(progress.FormVersion),
		"answers":     rawOrEmpty(progress.Answers),
		"updatedAt":   progress.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func isJSONObject(raw json.RawMessage) bool {
	var value map[string]any
	return len(raw) > 0 && json.Unmarshal(raw, &value) == nil && value != nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
