// Package corrector repairs OCR substitution errors with a bounded beam
// search over confusion candidates, ranked by a trigram language model.
package corrector

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/adverant/nexus/ocrfusion-worker/internal/confusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ngram"
)

// Options configures a BeamCorrector.
type Options struct {
	// BeamWidth is the number of paths kept after each position.
	BeamWidth int
	// MaxCorrections caps substitutions per word.
	MaxCorrections int
	// MinProbability drops confusion candidates below this probability.
	MinProbability float64

	BaseConfidence    float64
	ImprovementWeight float64
	CorrectionPenalty float64

	// MaxAlternatives caps the runner-up paths reported per word.
	MaxAlternatives int

	// OnPrune, when set, observes the beam size retained after each position.
	OnPrune func(position, retained int)
}

// DefaultOptions returns the balanced settings.
func DefaultOptions() Options {
	return Options{
		BeamWidth:         5,
		MaxCorrections:    2,
		MinProbability:    0.1,
		BaseConfidence:    0.5,
		ImprovementWeight: 0.2,
		CorrectionPenalty: 0.05,
		MaxAlternatives:   3,
	}
}

// Validate rejects settings that cannot drive a search.
func (o Options) Validate() error {
	if o.BeamWidth <= 0 {
		return errors.NewValidationError("beam_width", fmt.Sprintf("must be positive, got %d", o.BeamWidth))
	}
	if o.MaxCorrections < 0 {
		return errors.NewValidationError("max_corrections", fmt.Sprintf("must not be negative, got %d", o.MaxCorrections))
	}
	if o.MinProbability < 0 || o.MinProbability > 1 {
		return errors.NewValidationError("min_probability", fmt.Sprintf("must be within [0,1], got %v", o.MinProbability))
	}
	if o.CorrectionPenalty < 0 {
		return errors.NewValidationError("correction_penalty", fmt.Sprintf("must not be negative, got %v", o.CorrectionPenalty))
	}
	if o.MaxAlternatives < 0 {
		return errors.NewValidationError("max_alternatives", fmt.Sprintf("must not be negative, got %d", o.MaxAlternatives))
	}
	return nil
}

// Correction is one accepted substitution. Position is a character index.
type Correction struct {
	Position int  `json:"position"`
	From     rune `json:"from"`
	To       rune `json:"to"`
}

// Alternative is a runner-up candidate.
type Alternative struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Result is the correction of a single word.
type Result struct {
	Original     string        `json:"original"`
	Corrected    string        `json:"corrected"`
	Confidence   float64       `json:"confidence"`
	Corrections  []Correction  `json:"corrections,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Changed reports whether the word was altered.
func (r Result) Changed() bool {
	return r.Corrected != r.Original
}

// TextResult is the correction of a whitespace separated text.
type TextResult struct {
	Original   string   `json:"original"`
	Corrected  string   `json:"corrected"`
	Confidence float64  `json:"confidence"`
	Words      []Result `json:"words"`
}

// Corrections counts the substitutions across all words.
func (r TextResult) Corrections() int {
	n := 0
	for _, w := range r.Words {
		n += len(w.Corrections)
	}
	return n
}

// BeamCorrector is safe for concurrent use; every call owns its own beam.
type BeamCorrector struct {
	confusion *confusion.Model
	lm        *ngram.Model
	opts      Options
}

// NewBeamCorrector validates opts and binds the models.
func NewBeamCorrector(cm *confusion.Model, lm *ngram.Model, opts Options) (*BeamCorrector, error) {
	if cm == nil {
		return nil, fmt.Errorf("confusion model is required")
	}
	if lm == nil {
		return nil, fmt.Errorf("language model is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &BeamCorrector{confusion: cm, lm: lm, opts: opts}, nil
}

// Options returns the corrector settings.
func (c *BeamCorrector) Options() Options {
	return c.opts
}

type path struct {
	runes       []rune
	score       float64
	corrections []Correction
}

func (p path) text() string {
	return string(p.runes)
}

// rank orders paths by score, then fewer corrections, then text.
func rank(paths []path) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.corrections) != len(b.corrections) {
			return len(a.corrections) < len(b.corrections)
		}
		return a.text() < b.text()
	})
}

// CorrectWord runs the beam search over a single word. Words shorter than
// two characters are returned unchanged.
func (c *BeamCorrector) CorrectWord(word string) Result {
	runes := []rune(word)
	n := len(runes)
	if n < 2 {
		return Result{Original: word, Corrected: word, Confidence: 1.0}
	}

	origScore := c.lm.ScoreWord(word)
	beam := []path{{runes: runes, score: origScore}}

	for i := 0; i < n; i++ {
		pos := confusion.PositionOf(i, n)
		next := make([]path, 0, len(beam)*2)
		for _, p := range beam {
			next = append(next, p)
			if len(p.corrections) >= c.opts.MaxCorrections {
				continue
			}
			for _, cand := range c.confusion.Candidates(p.runes[i], pos, c.opts.MinProbability) {
				branched := make([]rune, n)
				copy(branched, p.runes)
				branched[i] = cand.Char

				corrections := make([]Correction, len(p.corrections), len(p.corrections)+1)
				copy(corrections, p.corrections)
				corrections = append(corrections, Correction{Position: i, From: p.runes[i], To: cand.Char})

				next = append(next, path{
					runes:       branched,
					score:       c.lm.ScoreWord(string(branched)),
					corrections: corrections,
				})
			}
		}
		rank(next)
		if len(next) > c.opts.BeamWidth {
			next = next[:c.opts.BeamWidth]
		}
		beam = next
		if c.opts.OnPrune != nil {
			c.opts.OnPrune(i, len(beam))
		}
	}

	best := beam[0]
	result := Result{
		Original:    word,
		Corrected:   best.text(),
		Corrections: best.corrections,
	}
	for _, alt := range beam[1:] {
		if len(result.Alternatives) >= c.opts.MaxAlternatives {
			break
		}
		result.Alternatives = append(result.Alternatives, Alternative{Text: alt.text(), Score: alt.score})
	}

	if result.Corrected == word {
		result.Confidence = 1.0
		result.Corrections = nil
		return result
	}
	conf := clamp01(c.opts.BaseConfidence + c.opts.ImprovementWeight*(best.score-origScore))
	conf -= c.opts.CorrectionPenalty * float64(len(best.corrections))
	result.Confidence = clamp01(conf)
	return result
}

// CorrectText corrects every word independently and joins the results with
// single spaces.
func (c *BeamCorrector) CorrectText(text string) TextResult {
	words := strings.Fields(text)
	out := TextResult{
		Original: strings.Join(words, " "),
		Words:    make([]Result, len(words)),
	}
	if len(words) == 0 {
		out.Confidence = 1.0
		return out
	}

	corrected := make([]string, len(words))
	confidences := make([]float64, len(words))
	changed := false
	for i, w := range words {
		r := c.CorrectWord(w)
		out.Words[i] = r
		corrected[i] = r.Corrected
		confidences[i] = r.Confidence
		changed = changed || r.Changed()
	}
	out.Corrected = strings.Join(corrected, " ")

	if !changed {
		out.Confidence = 1.0
		return out
	}
	delta := c.lm.ScoreText(out.Corrected) - c.lm.ScoreText(out.Original)
	textConf := clamp01(c.opts.BaseConfidence + c.opts.ImprovementWeight*delta)
	out.Confidence = clamp01(0.5*stat.Mean(confidences, nil) + 0.5*textConf)
	return out
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
