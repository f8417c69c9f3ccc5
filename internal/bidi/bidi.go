// Package bidi resolves display direction for mixed Arabic/Latin strings.
//
// It is a reduced model of the Unicode Bidirectional Algorithm: only Arabic
// and Latin letters are strong, everything else takes the direction of the
// run it sits in. That is enough to order OCR lines that mix the two
// scripts with numbers and punctuation.
package bidi

import (
	"strings"
	"unicode"

	"github.com/go-text/typesetting/di"
	"github.com/go-text/typesetting/language"
)

// Class is the directional class of a character.
type Class int

const (
	ClassOtherNeutral Class = iota
	ClassArabicLetter
	ClassLatinLetter
	ClassEuropeanDigit
	ClassArabicDigit
	ClassWhitespace
	ClassSeparator
)

func (c Class) String() string {
	switch c {
	case ClassArabicLetter:
		return "AL"
	case ClassLatinLetter:
		return "L"
	case ClassEuropeanDigit:
		return "EN"
	case ClassArabicDigit:
		return "AN"
	case ClassWhitespace:
		return "WS"
	case ClassSeparator:
		return "CS"
	default:
		return "ON"
	}
}

// IsStrong reports whether the class fixes a direction by itself.
func (c Class) IsStrong() bool {
	return c == ClassArabicLetter || c == ClassLatinLetter
}

// ClassOf returns the directional class of r.
func ClassOf(r rune) Class {
	switch {
	case r >= '0' && r <= '9':
		return ClassEuropeanDigit
	case (r >= '٠' && r <= '٩') || (r >= '۰' && r <= '۹'):
		return ClassArabicDigit
	case unicode.IsSpace(r):
		return ClassWhitespace
	case unicode.IsLetter(r) && unicode.Is(unicode.Arabic, r):
		return ClassArabicLetter
	case unicode.IsLetter(r) && unicode.Is(unicode.Latin, r):
		return ClassLatinLetter
	}
	switch r {
	case '.', ',', ':', ';', '/', '-', '،', '؛', '٫', '٬':
		return ClassSeparator
	}
	return ClassOtherNeutral
}

func strongDirection(c Class) di.Direction {
	if c == ClassArabicLetter {
		return di.DirectionRTL
	}
	return di.DirectionLTR
}

// DirectionName returns "rtl" or "ltr".
func DirectionName(d di.Direction) string {
	if d == di.DirectionRTL {
		return "rtl"
	}
	return "ltr"
}

// BaseDirection is the direction of the first strong character, or
// left-to-right when there is none.
func BaseDirection(text string) di.Direction {
	for _, r := range text {
		if c := ClassOf(r); c.IsStrong() {
			return strongDirection(c)
		}
	}
	return di.DirectionLTR
}

// Run is a maximal span of characters sharing one resolved direction.
// Start and End are rune indices.
type Run struct {
	Start, End int
	Direction  di.Direction
	// Script is the script of the run's strong characters, or
	// language.Unknown for a run without any.
	Script language.Script
	Text   string
}

// Runs segments text into directional runs. Digits and neutrals inherit the
// direction in effect, starting from the base direction.
func Runs(text string) []Run {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	current := BaseDirection(text)
	dirs := make([]di.Direction, len(runes))
	for i, r := range runes {
		if c := ClassOf(r); c.IsStrong() {
			current = strongDirection(c)
		}
		dirs[i] = current
	}

	var runs []Run
	start := 0
	for i := 1; i <= len(runes); i++ {
		if i < len(runes) && dirs[i] == dirs[start] {
			continue
		}
		runs = append(runs, Run{
			Start:     start,
			End:       i,
			Direction: dirs[start],
			Script:    runScript(runes[start:i]),
			Text:      string(runes[start:i]),
		})
		start = i
	}
	return runs
}

func runScript(runes []rune) language.Script {
	for _, r := range runes {
		switch ClassOf(r) {
		case ClassArabicLetter:
			return language.Arabic
		case ClassLatinLetter:
			return language.Latin
		}
	}
	return language.Unknown
}

// Reorder returns text in visual order: right-to-left runs are reversed in
// place and, under a right-to-left base direction, the run order is
// reversed as well.
func Reorder(text string) string {
	runs := Runs(text)
	if len(runs) == 0 {
		return ""
	}
	parts := make([]string, len(runs))
	for i, run := range runs {
		if run.Direction == di.DirectionRTL {
			parts[i] = reverse(run.Text)
		} else {
			parts[i] = run.Text
		}
	}
	if BaseDirection(text) == di.DirectionRTL {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	return strings.Join(parts, "")
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// Fragmentation is the fraction of whitespace delimited tokens that span
// more than one directional run. Text without tokens scores 0.
func Fragmentation(text string) float64 {
	runs := Runs(text)
	if len(runs) == 0 {
		return 0
	}
	runOf := make([]int, 0, len(runs))
	for i, run := range runs {
		for k := run.Start; k < run.End; k++ {
			runOf = append(runOf, i)
		}
	}

	var tokens, split int
	inToken := false
	first := 0
	fragmented := false
	for i, r := range []rune(text) {
		if unicode.IsSpace(r) {
			if inToken {
				tokens++
				if fragmented {
					split++
				}
			}
			inToken = false
			continue
		}
		if !inToken {
			inToken = true
			first = runOf[i]
			fragmented = false
		} else if runOf[i] != first {
			fragmented = true
		}
	}
	if inToken {
		tokens++
		if fragmented {
			split++
		}
	}
	if tokens == 0 {
		return 0
	}
	return float64(split) / float64(tokens)
}
