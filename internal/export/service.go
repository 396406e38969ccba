package export

import (
	"context"
	"errors"
	"fmt"

	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/store"
	"bloomsite/api/internal/util"
)

// Renderer turns rendered HTML into a document. Tests swap it out.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides submission export functionality
type Service struct {
	definitions docstore.Definitions
	renderers   map[Format]Renderer
}

// NewService creates a new export service. definitions may be nil, in which
// case answer keys are humanized instead of labelled.
func NewService(definitions docstore.Definitions) *Service {
	return &Service{
		definitions: definitions,
		renderers: map[Format]Renderer{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
		},
	}
}

// Export renders submission in format.
func (s *Service) Export(ctx context.Context, submission store.Submission, format Format) (*Result, error) {
	render, ok := s.renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var def *formdef.Definition
	if s.definitions != nil {
		latest, err := s.definitions.GetLatestDefinition(ctx, submission.FormID)
		switch {
		case err == nil:
			def = &latest
		case errors.Is(err, docstore.ErrNotFound):
		default:
			return nil, fmt.Errorf("load definition: %w", err)
		}
	}

	sections, err := BuildSections(submission.Answers, def)
	if err != nil {
		return nil, err
	}

	title := submission.FormName
	if title == "" {
		title = submission.FormID
	}
	html, err := RenderSubmissionHTML(TemplateData{
		Title:       title,
		FormVersion: submission.FormVersion,
		Kind:        submission.Kind,
		SubmittedBy: store.User{FirstName: submission.FirstName, LastName: submission.LastName}.DisplayName(),
		Email:       submission.Email,
		SubmittedAt: submission.UpdatedAt,
		Sections:    sections,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return render(ctx, html, filename(title))
}

func filename(title string) string {
	name := util.Slugify(title)
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		name = "submission"
	}
	return name
}
