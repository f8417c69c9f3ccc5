// Package confusion holds the character substitution probabilities observed
// in OCR output. A Model is read-only after construction and safe for
// unsynchronized concurrent use.
package confusion

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"
)

// Position is where a character sits inside its word. Arabic letters change
// shape with position, so confusions differ between them.
type Position int

const (
	// PositionAny selects the base probability, ignoring position bias.
	PositionAny Position = iota
	PositionInitial
	PositionMedial
	PositionFinal
	PositionIsolated
)

// PositionOf derives the position class of the character at index in a word
// of length characters.
func PositionOf(index, length int) Position {
	switch {
	case length <= 1:
		return PositionIsolated
	case index == 0:
		return PositionInitial
	case index == length-1:
		return PositionFinal
	default:
		return PositionMedial
	}
}

func (p Position) String() string {
	switch p {
	case PositionAny:
		return "any"
	case PositionInitial:
		return "initial"
	case PositionMedial:
		return "medial"
	case PositionFinal:
		return "final"
	case PositionIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// ParsePosition is the inverse of String.
func ParsePosition(s string) (Position, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any":
		return PositionAny, true
	case "initial":
		return PositionInitial, true
	case "medial":
		return PositionMedial, true
	case "final":
		return PositionFinal, true
	case "isolated":
		return PositionIsolated, true
	default:
		return PositionAny, false
	}
}

// Entry is one possible misreading of a source character.
type Entry struct {
	Target      rune
	Probability float64
	// PositionBias overrides Probability for the listed positions.
	PositionBias map[Position]float64
}

func (e Entry) probabilityAt(pos Position) float64 {
	if pos != PositionAny {
		if p, ok := e.PositionBias[pos]; ok {
			return p
		}
	}
	return e.Probability
}

// Table maps a source character to its confusion entries.
type Table map[rune][]Entry

// Candidate is a replacement suggestion for a character.
type Candidate struct {
	Char        rune
	Probability float64
}

// Model answers confusion queries over an immutable table.
type Model struct {
	table map[rune][]Entry
}

// New builds a model from the built-in table with overrides merged on top.
// An override for an existing source/target pair replaces that entry.
func New(overrides Table) *Model {
	merged := DefaultTable()
	for src, entries := range overrides {
		merged[src] = mergeEntries(merged[src], entries)
	}
	return NewWithTable(merged)
}

// NewWithTable builds a model from t alone.
func NewWithTable(t Table) *Model {
	m := &Model{table: make(map[rune][]Entry, len(t))}
	for src, entries := range t {
		cleaned := mergeEntries(nil, entries)
		kept := cleaned[:0]
		for _, e := range cleaned {
			if e.Target == src {
				continue
			}
			kept = append(kept, normalizeEntry(e))
		}
		if len(kept) > 0 {
			m.table[src] = kept
		}
	}
	return m
}

// mergeEntries appends overrides to base, replacing same-target entries.
func mergeEntries(base, overrides []Entry) []Entry {
	out := make([]Entry, 0, len(base)+len(overrides))
	index := make(map[rune]int, len(base)+len(overrides))
	for _, list := range [][]Entry{base, overrides} {
		for _, e := range list {
			if i, ok := index[e.Target]; ok {
				out[i] = e
				continue
			}
			index[e.Target] = len(out)
			out = append(out, e)
		}
	}
	return out
}

func normalizeEntry(e Entry) Entry {
	out := Entry{Target: e.Target, Probability: clamp01(e.Probability)}
	if len(e.PositionBias) > 0 {
		out.PositionBias = make(map[Position]float64, len(e.PositionBias))
		for pos, p := range e.PositionBias {
			out.PositionBias[pos] = clamp01(p)
		}
	}
	return out
}

// Candidates returns the replacements for r at pos whose probability is
// positive and at least minProbability, sorted by descending probability.
// Equal probabilities order toward the lexically smaller character. Unknown
// characters yield no candidates.
func (m *Model) Candidates(r rune, pos Position, minProbability float64) []Candidate {
	entries := m.table[r]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		p := e.probabilityAt(pos)
		if p <= 0 || p < minProbability {
			continue
		}
		out = append(out, Candidate{Char: e.Target, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Char < out[j].Char
	})
	return out
}

// ProbabilityOf returns the probability that source was misread for target at
// pos, or 0 when the pair is not in the table.
func (m *Model) ProbabilityOf(source, target rune, pos Position) float64 {
	for _, e := range m.table[source] {
		if e.Target == target {
			return e.probabilityAt(pos)
		}
	}
	return 0
}

// Sources returns the number of source characters in the table.
func (m *Model) Sources() int {
	return len(m.table)
}

type jsonEntry struct {
	Target       string             `json:"target"`
	Probability  float64            `json:"probability"`
	PositionBias map[string]float64 `json:"position_bias,omitempty"`
}

// LoadOverrides parses a JSON document of the form
//
//	{"ب": [{"target": "ت", "probability": 0.35, "position_bias": {"final": 0.5}}]}
//
// into a Table suitable for New.
func LoadOverrides(r io.Reader) (Table, error) {
	var raw map[string][]jsonEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode confusion overrides: %w", err)
	}
	table := make(Table, len(raw))
	for src, entries := range raw {
		srcRune, err := singleRune(src)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src, err)
		}
		for _, je := range entries {
			target, err := singleRune(je.Target)
			if err != nil {
				return nil, fmt.Errorf("target %q for source %q: %w", je.Target, src, err)
			}
			e := Entry{Target: target, Probability: je.Probability}
			for name, p := range je.PositionBias {
				pos, ok := ParsePosition(name)
				if !ok || pos == PositionAny {
					return nil, fmt.Errorf("unknown position %q for source %q", name, src)
				}
				if e.PositionBias == nil {
					e.PositionBias = make(map[Position]float64)
				}
				e.PositionBias[pos] = p
			}
			table[srcRune] = append(table[srcRune], e)
		}
	}
	return table, nil
}

func singleRune(s string) (rune, error) {
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("expected exactly one character")
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
