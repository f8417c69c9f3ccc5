package scoring

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ngram"
)

const digitMixPenalty = 0.25

// lookalikePenalty applies to Latin words carrying digits, the usual trace
// of 0/O, 1/l and 5/S misreads.
func lookalikePenalty(word string) float64 {
	var letters, digits bool
	for _, r := range word {
		switch {
		case langtag.IsLatinLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	if letters && digits {
		return digitMixPenalty
	}
	return 0
}

// Clitics, longest first so that compound forms strip before their parts.
var (
	arabicPrefixes = []string{"وال", "بال", "كال", "فال", "لل", "ال", "و", "ف", "ب", "ك", "ل"}
	arabicSuffixes = []string{"هما", "كما", "هم", "هن", "كم", "ها", "نا", "ات", "ون", "ين", "ان", "ة", "ه", "ي"}
)

const minStem = 3

// Stem strips one clitic prefix and one suffix from an Arabic word as long
// as at least three characters remain.
func Stem(word string) string {
	stem := word
	for _, p := range arabicPrefixes {
		if strings.HasPrefix(stem, p) && utf8.RuneCountInString(stem)-utf8.RuneCountInString(p) >= minStem {
			stem = strings.TrimPrefix(stem, p)
			break
		}
	}
	for _, suf := range arabicSuffixes {
		if strings.HasSuffix(stem, suf) && utf8.RuneCountInString(stem)-utf8.RuneCountInString(suf) >= minStem {
			stem = strings.TrimSuffix(stem, suf)
			break
		}
	}
	return stem
}

// MorphologyScore rates how word-like the stem of an Arabic word is: half
// its n-gram plausibility, half how well its length fits common root
// patterns.
func MorphologyScore(arabic *ngram.Model, word string) float64 {
	stem := Stem(word)
	var lengthFit float64
	switch n := utf8.RuneCountInString(stem); {
	case n >= 3 && n <= 6:
		lengthFit = 1.0
	case n == 2 || n == 7 || n == 8:
		lengthFit = 0.6
	default:
		lengthFit = 0.3
	}
	return clamp01(0.5*arabic.Normalized(stem) + 0.5*lengthFit)
}
