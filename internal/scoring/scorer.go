// Package scoring turns a final transcript into a calibrated confidence by
// combining language plausibility with the engines' own confidence.
package scoring

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/adverant/nexus/ocrfusion-worker/internal/bidi"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ngram"
)

// NoEngineConfidence marks an unavailable engine confidence.
const NoEngineConfidence = -1.0

// neutralConfidence is reported when neither language nor engine evidence
// exists.
const neutralConfidence = 0.5

// Options configures a Scorer.
type Options struct {
	LanguageWeight float64
	EngineWeight   float64

	EnableNGram      bool
	EnableMorphology bool
	// NGramShare is the n-gram part of the Arabic word score when
	// morphology is enabled; the rest comes from the morphology validator.
	NGramShare float64
	// FragmentationDamping scales down Mixed text scores by this fraction
	// of the bidi fragmentation.
	FragmentationDamping float64
}

// DefaultOptions returns the balanced settings.
func DefaultOptions() Options {
	return Options{
		LanguageWeight:       0.6,
		EngineWeight:         0.4,
		EnableNGram:          true,
		EnableMorphology:     false,
		NGramShare:           0.7,
		FragmentationDamping: 0.5,
	}
}

// Validate checks the blend weights.
func (o Options) Validate() error {
	if o.LanguageWeight < 0 || o.EngineWeight < 0 {
		return errors.NewValidationError("confidence_blend", "weights must not be negative")
	}
	if math.Abs(o.LanguageWeight+o.EngineWeight-1) > 1e-9 {
		return errors.NewValidationError("confidence_blend",
			fmt.Sprintf("language and engine weights must sum to 1, got %v", o.LanguageWeight+o.EngineWeight))
	}
	if o.NGramShare < 0 || o.NGramShare > 1 {
		return errors.NewValidationError("ngram_share", fmt.Sprintf("must be within [0,1], got %v", o.NGramShare))
	}
	if o.FragmentationDamping < 0 || o.FragmentationDamping > 1 {
		return errors.NewValidationError("fragmentation_damping", fmt.Sprintf("must be within [0,1], got %v", o.FragmentationDamping))
	}
	return nil
}

// Score is the outcome of scoring one text.
type Score struct {
	Confidence float64
	Language   langtag.Language
	// LanguageScore is the plausibility part, valid when Scored is set.
	LanguageScore float64
	Scored        bool
	Fragmentation float64
}

// Scorer is read-only after construction and safe for concurrent use.
type Scorer struct {
	arabic  *ngram.Model
	english *ngram.Model
	tagger  *langtag.Tagger
	opts    Options
}

// New builds a Scorer. A nil tagger is replaced by the default tagger.
func New(arabic, english *ngram.Model, tagger *langtag.Tagger, opts Options) (*Scorer, error) {
	if arabic == nil || english == nil {
		return nil, fmt.Errorf("arabic and english language models are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if tagger == nil {
		tagger = langtag.New()
	}
	return &Scorer{arabic: arabic, english: english, tagger: tagger, opts: opts}, nil
}

// Score computes the final confidence of text. hint overrides detection when
// it names a language; engineConfidence may be NoEngineConfidence.
func (s *Scorer) Score(text string, hint langtag.Language, engineConfidence float64) Score {
	words := s.tagger.TagText(text)
	lang := hint
	if !lang.IsLinguistic() {
		lang = s.tagger.DetectTagged(words)
	}
	out := Score{Language: lang}

	hasEngine := engineConfidence >= 0
	if s.opts.EnableNGram {
		out.LanguageScore, out.Scored = s.languageScore(text, words, lang)
		if out.Scored && lang == langtag.Mixed {
			out.Fragmentation = bidi.Fragmentation(text)
			out.LanguageScore *= 1 - s.opts.FragmentationDamping*out.Fragmentation
		}
	}

	switch {
	case out.Scored && hasEngine:
		out.Confidence = s.opts.LanguageWeight*out.LanguageScore + s.opts.EngineWeight*engineConfidence
	case out.Scored:
		out.Confidence = out.LanguageScore
	case hasEngine:
		out.Confidence = engineConfidence
	default:
		out.Confidence = neutralConfidence
	}
	out.Confidence = clamp01(out.Confidence)
	return out
}

func (s *Scorer) languageScore(text string, words []langtag.TaggedWord, lang langtag.Language) (float64, bool) {
	var scores []float64
	for _, w := range words {
		if !w.Language.IsLinguistic() {
			continue
		}
		switch lang {
		case langtag.Arabic:
			scores = append(scores, s.ArabicWord(w.Text))
		case langtag.English:
			scores = append(scores, s.EnglishWord(w.Text))
		case langtag.Mixed:
			scores = append(scores, s.ownLanguage(w))
		}
	}
	if len(scores) == 0 {
		return 0, false
	}
	return clamp01(stat.Mean(scores, nil)), true
}

func (s *Scorer) ownLanguage(w langtag.TaggedWord) float64 {
	switch w.Language {
	case langtag.Arabic:
		return s.ArabicWord(w.Text)
	case langtag.English:
		return s.EnglishWord(w.Text)
	default:
		both := []float64{s.ArabicWord(w.Text), s.EnglishWord(w.Text)}
		return floats.Sum(both) / float64(len(both))
	}
}

// ArabicWord scores one word with the Arabic n-gram model, blended with
// the morphology validator when enabled.
func (s *Scorer) ArabicWord(word string) float64 {
	score := s.arabic.Normalized(word)
	if !s.opts.EnableMorphology {
		return score
	}
	return s.opts.NGramShare*score + (1-s.opts.NGramShare)*MorphologyScore(s.arabic, word)
}

// EnglishWord scores one word with the English n-gram model, penalising
// digits mixed into letters.
func (s *Scorer) EnglishWord(word string) float64 {
	return clamp01(s.english.Normalized(word) - lookalikePenalty(word))
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
