// Package langtag classifies words of bilingual Arabic/English text by script.
package langtag

import (
	"strings"
	"unicode"
)

// Language is the tag assigned to a word or a text.
type Language int

const (
	Unknown Language = iota
	Arabic
	English
	Mixed
	Numeric
	Punctuation
)

// Code returns the short code used in hints, diagnostics and storage.
func (l Language) Code() string {
	switch l {
	case Arabic:
		return "ar"
	case English:
		return "en"
	case Mixed:
		return "mixed"
	case Numeric:
		return "numeric"
	case Punctuation:
		return "punctuation"
	default:
		return "unknown"
	}
}

func (l Language) String() string {
	return l.Code()
}

// IsLinguistic reports whether the tag names an actual language.
func (l Language) IsLinguistic() bool {
	switch l {
	case Arabic, English, Mixed:
		return true
	default:
		return false
	}
}

// ParseLanguage accepts codes and English names, case-insensitively.
func ParseLanguage(s string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ar", "ara", "arabic":
		return Arabic, true
	case "en", "eng", "english":
		return English, true
	case "mixed":
		return Mixed, true
	case "numeric":
		return Numeric, true
	case "punctuation":
		return Punctuation, true
	case "unknown":
		return Unknown, true
	default:
		return Unknown, false
	}
}

// TaggedWord is one whitespace delimited token and its tag. Start and End
// are byte offsets into the tagged text.
type TaggedWord struct {
	Text         string
	Language     Language
	Confidence   float64
	IsCodeSwitch bool
	Start, End   int
}

const (
	// DefaultDominance is the letter ratio above which a word belongs to one
	// language.
	DefaultDominance = 0.8
	// DefaultMixedBelow is the majority proportion under which a text holding
	// both languages is reported as Mixed.
	DefaultMixedBelow = 0.7
)

// Tagger holds the classification thresholds. The zero value is not useful;
// use New.
type Tagger struct {
	Dominance  float64
	MixedBelow float64
}

// New returns a Tagger with default thresholds.
func New() *Tagger {
	return &Tagger{Dominance: DefaultDominance, MixedBelow: DefaultMixedBelow}
}

// IsArabicLetter reports letters from the Arabic blocks, excluding the
// Arabic-Indic digits and combining marks.
func IsArabicLetter(r rune) bool {
	if !unicode.IsLetter(r) {
		return false
	}
	return unicode.Is(unicode.Arabic, r)
}

// IsLatinLetter reports letters from the Latin script.
func IsLatinLetter(r rune) bool {
	return unicode.IsLetter(r) && unicode.Is(unicode.Latin, r)
}

// IsDigit reports European, Arabic-Indic and extended Arabic-Indic digits.
func IsDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= '٠' && r <= '٩':
		return true
	case r >= '۰' && r <= '۹':
		return true
	}
	return false
}

func isNumericSeparator(r rune) bool {
	switch r {
	case '.', ',', '،', '٫', '٬', '/', '-', ':', '%', '+':
		return true
	}
	return false
}

// TagWord classifies a single token.
func (t *Tagger) TagWord(word string) TaggedWord {
	tw := TaggedWord{Text: word, End: len(word)}
	if word == "" {
		return tw
	}

	var arabic, latin, otherLetters, digits int
	onlyNumeric := true
	for _, r := range word {
		switch {
		case r == '\u0640':
			// tatweel stretches a joined letter and carries no script
		case IsArabicLetter(r):
			arabic++
		case IsLatinLetter(r):
			latin++
		case unicode.IsLetter(r):
			otherLetters++
		case IsDigit(r):
			digits++
		case isNumericSeparator(r):
		default:
			onlyNumeric = false
		}
	}

	letters := arabic + latin + otherLetters
	if letters == 0 {
		if digits > 0 && onlyNumeric {
			tw.Language = Numeric
		} else {
			tw.Language = Punctuation
		}
		tw.Confidence = 1.0
		return tw
	}

	arRatio := float64(arabic) / float64(letters)
	enRatio := float64(latin) / float64(letters)
	switch {
	case arRatio > t.Dominance:
		tw.Language, tw.Confidence = Arabic, arRatio
	case enRatio > t.Dominance:
		tw.Language, tw.Confidence = English, enRatio
	case arabic > 0 && latin > 0:
		tw.Language, tw.Confidence = Mixed, max(arRatio, enRatio)
	case arabic > 0:
		tw.Language, tw.Confidence = Arabic, arRatio
	case latin > 0:
		tw.Language, tw.Confidence = English, enRatio
	}
	return tw
}

// TagText tags every whitespace delimited token of text and marks code
// switches.
func (t *Tagger) TagText(text string) []TaggedWord {
	var words []TaggedWord
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, t.tagSpan(text, start, i))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, t.tagSpan(text, start, len(text)))
	}
	MarkCodeSwitches(words)
	return words
}

func (t *Tagger) tagSpan(text string, start, end int) TaggedWord {
	tw := t.TagWord(text[start:end])
	tw.Start, tw.End = start, end
	return tw
}

// MarkCodeSwitches sets IsCodeSwitch on each linguistic word whose language
// differs from the nearest preceding linguistic word.
func MarkCodeSwitches(words []TaggedWord) {
	prev := Unknown
	for i := range words {
		words[i].IsCodeSwitch = false
		if !words[i].Language.IsLinguistic() {
			continue
		}
		if prev != Unknown && words[i].Language != prev {
			words[i].IsCodeSwitch = true
		}
		prev = words[i].Language
	}
}

// CodeSwitchPoints returns the indices of words flagged as code switches.
func CodeSwitchPoints(words []TaggedWord) []int {
	var out []int
	for i, w := range words {
		if w.IsCodeSwitch {
			out = append(out, i)
		}
	}
	return out
}

// DominantLanguage counts Arabic and English words and returns the majority
// with its proportion. An even split returns Mixed at 0.5; text with neither
// returns Unknown at 0.
func (t *Tagger) DominantLanguage(text string) (Language, float64) {
	return dominant(t.TagText(text))
}

func dominant(words []TaggedWord) (Language, float64) {
	var ar, en int
	for _, w := range words {
		switch w.Language {
		case Arabic:
			ar++
		case English:
			en++
		}
	}
	total := ar + en
	switch {
	case total == 0:
		return Unknown, 0
	case ar > en:
		return Arabic, float64(ar) / float64(total)
	case en > ar:
		return English, float64(en) / float64(total)
	default:
		return Mixed, 0.5
	}
}

// Detect resolves the language of a whole text. Text containing both
// languages is Mixed unless one holds at least MixedBelow of the words.
func (t *Tagger) Detect(text string) Language {
	return t.DetectTagged(t.TagText(text))
}

// DetectTagged is Detect over already tagged words.
func (t *Tagger) DetectTagged(words []TaggedWord) Language {
	var ar, en, mixed int
	for _, w := range words {
		switch w.Language {
		case Arabic:
			ar++
		case English:
			en++
		case Mixed:
			mixed++
		}
	}
	lang, proportion := dominant(words)
	switch {
	case ar > 0 && en > 0 && proportion < t.MixedBelow:
		return Mixed
	case lang == Unknown && mixed > 0:
		return Mixed
	}
	return lang
}
