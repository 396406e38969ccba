// Package export renders a form submission to PDF or DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case FormatPDF, "":
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	}
	return "", ErrUnsupportedFormat
}

// Section is one titled block of answers in the rendered document.
type Section struct {
	Title string
	Rows  []Row
}

// Row is one question and its rendered answer.
type Row struct {
	Label string
	Value string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// TemplateData holds data for submission template rendering
type TemplateData struct {
	Title       string
	FormVersion int
	Kind        string
	SubmittedBy string
	Email       string
	SubmittedAt time.Time
	Sections    []Section
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
