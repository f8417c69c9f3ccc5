package pipeline

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// invisible separators OCR engines leak into their text
var invisible = strings.NewReplacer(
	"\u200b", "",
	"\ufeff", "",
)

// Normalize applies NFC, drops invisible separators, collapses runs of
// whitespace to single spaces and trims the ends.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = invisible.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}
