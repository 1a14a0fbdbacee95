package utils

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Staff notes end up in the admin log viewer; strip all markup.
var notePolicy = bluemonday.StrictPolicy()

// SanitizeNote removes HTML from a free-text note and caps its length in runes.
func SanitizeNote(input string, maxRunes int) string {
	out := strings.TrimSpace(notePolicy.Sanitize(input))
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = string([]rune(out)[:maxRunes])
	}
	return out
}
