// Package content validates content-generation requests and renders the
// prompt sent to the writing agent.
package content

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinDescriptionWords = 15
	MaxAudienceLength   = 100
)

var (
	Tones     = []string{"professional", "friendly", "persuasive", "informative", "casual"}
	Goals     = []string{"increase-sales", "build-awareness", "educate-audience", "promote-event", "generate-leads"}
	PageTypes = []string{"home", "about", "product", "offer"}
)

var (
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	wordPattern       = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)
)

type Request struct {
	Tone        string `json:"tone"`
	Audience    string `json:"audience"`
	Goal        string `json:"goal"`
	Description string `json:"description"`
	PageType    string `json:"pageType"`
}

// FieldErrors maps a request field to its validation message.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, field := range []string{"tone", "audience", "goal", "description", "pageType"} {
		if msg, ok := e[field]; ok {
			parts = append(parts, field+": "+msg)
		}
	}
	return "invalid content request: " + strings.Join(parts, "; ")
}

// Validate returns the normalized request. The description loses its HTML
// tags and has whitespace collapsed before words are counted.
func Validate(req Request) (Request, error) {
	errs := FieldErrors{}
	out := Request{
		Tone:     strings.TrimSpace(req.Tone),
		Audience: strings.TrimSpace(req.Audience),
		Goal:     strings.TrimSpace(req.Goal),
		PageType: strings.TrimSpace(req.PageType),
	}

	if !oneOf(out.Tone, Tones) {
		errs["tone"] = choiceMessage(out.Tone)
	}
	if !oneOf(out.Goal, Goals) {
		errs["goal"] = choiceMessage(out.Goal)
	}
	if !oneOf(out.PageType, PageTypes) {
		errs["pageType"] = choiceMessage(out.PageType)
	}

	switch n := utf8.RuneCountInString(out.Audience); {
	case n == 0:
		errs["audience"] = "This field may not be blank."
	case n > MaxAudienceLength:
		errs["audience"] = fmt.Sprintf("Ensure this field has no more than %d characters.", MaxAudienceLength)
	}

	out.Description = NormalizeDescription(req.Description)
	if out.Description == "" {
		errs["description"] = "This field may not be blank."
	} else if words := CountWords(out.Description); words < MinDescriptionWords {
		errs["description"] = fmt.Sprintf("Please provide at least %d words (currently %d).", MinDescriptionWords, words)
	}

	if len(errs) > 0 {
		return Request{}, errs
	}
	return out, nil
}

func NormalizeDescription(raw string) string {
	text := tagPattern.ReplaceAllString(raw, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

func CountWords(text string) int {
	return len(wordPattern.FindAllString(text, -1))
}

// Prompt renders the single user message for the agent thread.
func Prompt(req Request) string {
	return fmt.Sprintf(
		"Write a text for the %s page. With the goal to %s the audience which mainly consists of %s use the following tone %s here is the description of the text: %s",
		req.PageType, req.Goal, req.Audience, req.Tone, req.Description,
	)
}

func oneOf(value string, choices []string) bool {
	for _, choice := range choices {
		if value == choice {
			return true
		}
	}
	return false
}

func choiceMessage(value string) string {
	if value == "" {
		return "This field is required."
	}
	return fmt.Sprintf("%q is not a valid choice.", value)
}
