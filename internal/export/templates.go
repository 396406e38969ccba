package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var submissionTemplate = template.Must(
	template.New("submission.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.UTC().Format(layout)
		},
	}).ParseFS(templateFS, "templates/submission.html"),
)

// RenderSubmissionHTML renders the submission template with provided data
func RenderSubmissionHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := submissionTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
