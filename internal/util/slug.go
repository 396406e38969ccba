package util

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugSeparate = regexp.MustCompile(`[-\s]+`)
)

// Slugify lowercases value, folds it to ASCII, drops anything that is not a
// word character, space or hyphen, and joins runs of spaces and hyphens with
// a single hyphen. It returns "" when nothing usable is left.
func Slugify(value string) string {
	decomposed := norm.NFKD.String(value)
	var ascii strings.Builder
	ascii.Grow(len(decomposed))
	for _, r := range decomposed {
		if r < 0x80 {
			ascii.WriteRune(r)
		}
	}
	cleaned := slugStrip.ReplaceAllString(strings.ToLower(ascii.String()), "")
	return strings.Trim(slugSeparate.ReplaceAllString(cleaned, "-"), "-_")
}
