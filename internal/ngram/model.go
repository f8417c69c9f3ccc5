// Package ngram scores how plausible a word is in a language using trigram
// log-probabilities. Models are immutable once built and may be shared
// across goroutines without locking.
package ngram

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"gonum.org/v1/gonum/stat"
)

// DefaultScore is the log-probability assigned to unseen trigrams.
const DefaultScore = -6.0

// Diagnostics describes how the model tables were obtained.
type Diagnostics struct {
	// LoadFailed is set when an external table could not be used and the
	// model fell back to its previous tables.
	LoadFailed bool
	Source     string
	Reason     string
	// Loaded counts the external entries merged in.
	Loaded int
}

// Model is a trigram scorer for one language.
type Model struct {
	language     string
	known        map[string]float64
	invalid      map[string]float64
	defaultScore float64
	diag         Diagnostics
}

// NewWithTables builds a model from explicit tables. Keys that appear in
// both tables are treated as invalid.
func NewWithTables(language string, known, invalid map[string]float64, defaultScore float64) *Model {
	m := &Model{
		language:     language,
		known:        make(map[string]float64, len(known)),
		invalid:      make(map[string]float64, len(invalid)),
		defaultScore: defaultScore,
	}
	for k, v := range known {
		m.known[k] = v
	}
	for k, v := range invalid {
		m.invalid[k] = v
		delete(m.known, k)
	}
	return m
}

// Language returns the language code the model was built for.
func (m *Model) Language() string {
	return m.language
}

// Default returns the score used for unseen trigrams.
func (m *Model) Default() float64 {
	return m.defaultScore
}

// Diagnostics reports the outcome of the last external load.
func (m *Model) Diagnostics() Diagnostics {
	return m.diag
}

// Size returns the number of known and invalid trigrams.
func (m *Model) Size() (known, invalid int) {
	return len(m.known), len(m.invalid)
}

// ScoreTrigram returns the log-probability of a three character sequence.
// The invalid table takes precedence over the known table.
func (m *Model) ScoreTrigram(trigram string) float64 {
	if s, ok := m.invalid[trigram]; ok {
		return s
	}
	if s, ok := m.known[trigram]; ok {
		return s
	}
	return m.defaultScore
}

// ScoreWord sums the trigram scores of the space padded word and divides by
// the word length in characters. Words shorter than three characters score 0.
func (m *Model) ScoreWord(word string) float64 {
	n := utf8.RuneCountInString(word)
	if n < 3 {
		return 0
	}
	padded := make([]rune, 0, n+2)
	padded = append(padded, ' ')
	padded = append(padded, []rune(word)...)
	padded = append(padded, ' ')

	var sum float64
	for i := 0; i+3 <= len(padded); i++ {
		sum += m.ScoreTrigram(string(padded[i : i+3]))
	}
	return sum / float64(n)
}

// ScoreText is the mean word score over whitespace separated words.
func (m *Model) ScoreText(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	scores := make([]float64, len(words))
	for i, w := range words {
		scores[i] = m.ScoreWord(w)
	}
	return stat.Mean(scores, nil)
}

// Perplexity returns exp(-ScoreWord(word)).
func (m *Model) Perplexity(word string) float64 {
	return math.Exp(-m.ScoreWord(word))
}

// IsPlausible reports whether the word scores at least threshold.
func (m *Model) IsPlausible(word string, threshold float64) bool {
	return m.ScoreWord(word) >= threshold
}

// Normalized maps the word score onto [0,1], where the default score maps
// to 0 and a perfect score maps to 1.
func (m *Model) Normalized(word string) float64 {
	return m.normalize(m.ScoreWord(word))
}

func (m *Model) normalize(score float64) float64 {
	if m.defaultScore >= 0 {
		return 1
	}
	v := (score - m.defaultScore) / (0 - m.defaultScore)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Load merges a tab separated table into a copy of the model:
//
//	# comment
//	the<TAB>-0.7
//	!qzx<TAB>-12
//
// A leading "!" marks an invalid trigram. Loaded entries shadow existing
// ones. Any malformed line rejects the whole source; the returned model then
// keeps the receiver's tables and reports the failure in Diagnostics.
func (m *Model) Load(r io.Reader, source string) *Model {
	known := make(map[string]float64)
	invalid := make(map[string]float64)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "\t")
		if !ok {
			return m.degraded(source, fmt.Sprintf("line %d: missing tab separator", line))
		}
		target := known
		if strings.HasPrefix(key, "!") {
			key = strings.TrimPrefix(key, "!")
			target = invalid
		}
		if utf8.RuneCountInString(key) != 3 {
			return m.degraded(source, fmt.Sprintf("line %d: %q is not a trigram", line, key))
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(score) || math.IsInf(score, 0) || score > 0 {
			return m.degraded(source, fmt.Sprintf("line %d: invalid log-probability %q", line, value))
		}
		target[key] = score
	}
	if err := scanner.Err(); err != nil {
		return m.degraded(source, err.Error())
	}

	out := m.clone()
	for k, v := range known {
		out.known[k] = v
		delete(out.invalid, k)
	}
	for k, v := range invalid {
		out.invalid[k] = v
		delete(out.known, k)
	}
	out.diag = Diagnostics{Source: source, Loaded: len(known) + len(invalid)}
	return out
}

// LoadFile is Load for a file path. A missing or unreadable file degrades
// the same way a malformed one does.
func (m *Model) LoadFile(path string) *Model {
	f, err := os.Open(path)
	if err != nil {
		return m.degraded(path, err.Error())
	}
	defer f.Close()
	return m.Load(f, path)
}

func (m *Model) degraded(source, reason string) *Model {
	out := m.clone()
	out.diag = Diagnostics{LoadFailed: true, Source: source, Reason: reason}
	return out
}

func (m *Model) clone() *Model {
	out := &Model{
		language:     m.language,
		known:        make(map[string]float64, len(m.known)),
		invalid:      make(map[string]float64, len(m.invalid)),
		defaultScore: m.defaultScore,
	}
	for k, v := range m.known {
		out.known[k] = v
	}
	for k, v := range m.invalid {
		out.invalid[k] = v
	}
	return out
}
