package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/adverant/nexus/ocrfusion-worker/internal/corrector"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/fusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/pipeline"
	"github.com/adverant/nexus/ocrfusion-worker/internal/scoring"
)

// Correction mode names
const (
	ModeFast     = "fast"
	ModeBalanced = "balanced"
	ModeAccurate = "accurate"
)

// Engine roles used to key Mode.EngineWeights
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
	RoleTertiary = "tertiary"
)

// Mode is a named preset of every tunable correction parameter.
type Mode struct {
	Name string

	// Beam search
	BeamWidth               int
	MaxCorrections          int
	MinConfusionProbability float64

	// Fusion
	EngineWeights map[string]float64 // keyed by engine role
	IoUThreshold  float64
	Strategy      fusion.Strategy

	// Thresholds
	HighConfidence float64
	LowConfidence  float64
	VLMTrigger     float64

	// Auxiliary validators
	EnableNGram      bool
	EnableMorphology bool

	// Confidence formula constants
	BaseConfidence    float64
	ImprovementWeight float64
	CorrectionPenalty float64
	LanguageWeight    float64
	EngineWeight      float64

	// Fallback engine invocations per document
	MaxReprocess int
}

var modes = map[string]Mode{
	ModeFast: {
		Name:                    ModeFast,
		BeamWidth:               3,
		MaxCorrections:          1,
		MinConfusionProbability: 0.25,
		EngineWeights:           map[string]float64{RolePrimary: 1.0, RoleFallback: 0.6, RoleTertiary: 1.0},
		IoUThreshold:            0.5,
		Strategy:                fusion.WeightedSelect,
		HighConfidence:          0.80,
		LowConfidence:           0.50,
		VLMTrigger:              0.30,
		EnableNGram:             true,
		EnableMorphology:        false,
		BaseConfidence:          0.5,
		ImprovementWeight:       0.2,
		CorrectionPenalty:       0.05,
		LanguageWeight:          0.6,
		EngineWeight:            0.4,
		MaxReprocess:            0,
	},
	ModeBalanced: {
		Name:                    ModeBalanced,
		BeamWidth:               5,
		MaxCorrections:          2,
		MinConfusionProbability: 0.10,
		EngineWeights:           map[string]float64{RolePrimary: 1.0, RoleFallback: 0.6, RoleTertiary: 1.0},
		IoUThreshold:            0.5,
		Strategy:                fusion.CharacterVote,
		HighConfidence:          0.85,
		LowConfidence:           0.50,
		VLMTrigger:              0.40,
		EnableNGram:             true,
		EnableMorphology:        false,
		BaseConfidence:          0.5,
		ImprovementWeight:       0.2,
		CorrectionPenalty:       0.05,
		LanguageWeight:          0.6,
		EngineWeight:            0.4,
		MaxReprocess:            1,
	},
	ModeAccurate: {
		Name:                    ModeAccurate,
		BeamWidth:               10,
		MaxCorrections:          3,
		MinConfusionProbability: 0.05,
		EngineWeights:           map[string]float64{RolePrimary: 1.0, RoleFallback: 0.7, RoleTertiary: 1.2},
		IoUThreshold:            0.5,
		Strategy:                fusion.CharacterVote,
		HighConfidence:          0.90,
		LowConfidence:           0.50,
		VLMTrigger:              0.50,
		EnableNGram:             true,
		EnableMorphology:        true,
		BaseConfidence:          0.5,
		ImprovementWeight:       0.2,
		CorrectionPenalty:       0.05,
		LanguageWeight:          0.6,
		EngineWeight:            0.4,
		MaxReprocess:            2,
	},
}

// LookupMode returns the named preset.
func LookupMode(name string) (Mode, bool) {
	m, ok := modes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Mode{}, false
	}
	return m.clone(), true
}

// ModeByName returns the named preset, or balanced for unknown names.
func ModeByName(name string) Mode {
	if m, ok := LookupMode(name); ok {
		return m
	}
	return modes[ModeBalanced].clone()
}

// ModeNames lists the presets from cheapest to most thorough.
func ModeNames() []string {
	return []string{ModeFast, ModeBalanced, ModeAccurate}
}

func (m Mode) clone() Mode {
	weights := make(map[string]float64, len(m.EngineWeights))
	for k, v := range m.EngineWeights {
		weights[k] = v
	}
	m.EngineWeights = weights
	return m
}

// Validate rejects presets that no component could run with.
func (m Mode) Validate() error {
	if m.BeamWidth <= 0 {
		return errors.NewValidationError("beam_width", fmt.Sprintf("must be positive, got %d", m.BeamWidth))
	}
	if m.MaxCorrections < 0 {
		return errors.NewValidationError("max_corrections", fmt.Sprintf("must not be negative, got %d", m.MaxCorrections))
	}
	unit := map[string]float64{
		"min_confusion_probability": m.MinConfusionProbability,
		"high_confidence":           m.HighConfidence,
		"low_confidence":            m.LowConfidence,
		"vlm_trigger":               m.VLMTrigger,
		"base_confidence":           m.BaseConfidence,
	}
	for _, field := range []string{"min_confusion_probability", "high_confidence", "low_confidence", "vlm_trigger", "base_confidence"} {
		if v := unit[field]; v < 0 || v > 1 {
			return errors.NewValidationError(field, fmt.Sprintf("must be within [0,1], got %v", v))
		}
	}
	if m.IoUThreshold <= 0 || m.IoUThreshold > 1 {
		return errors.NewValidationError("iou_threshold", fmt.Sprintf("must be within (0,1], got %v", m.IoUThreshold))
	}
	for role, w := range m.EngineWeights {
		if w < 0 {
			return errors.NewValidationError("engine_weights", fmt.Sprintf("weight for %s must not be negative, got %v", role, w))
		}
	}
	if m.LanguageWeight < 0 || m.EngineWeight < 0 || math.Abs(m.LanguageWeight+m.EngineWeight-1) > 1e-9 {
		return errors.NewValidationError("confidence_blend",
			fmt.Sprintf("language and engine weights must be non-negative and sum to 1, got %v and %v", m.LanguageWeight, m.EngineWeight))
	}
	if m.ImprovementWeight < 0 || m.CorrectionPenalty < 0 {
		return errors.NewValidationError("confidence_formula", "improvement weight and correction penalty must not be negative")
	}
	switch m.Strategy {
	case fusion.CharacterVote, fusion.WeightedSelect, fusion.ConfidenceSelect:
	default:
		return errors.NewValidationError("strategy", fmt.Sprintf("unknown strategy %d", int(m.Strategy)))
	}
	if m.MaxReprocess < 0 {
		return errors.NewValidationError("max_reprocess", fmt.Sprintf("must not be negative, got %d", m.MaxReprocess))
	}
	return nil
}

// CorrectorOptions derives beam search settings.
func (m Mode) CorrectorOptions() corrector.Options {
	opts := corrector.DefaultOptions()
	opts.BeamWidth = m.BeamWidth
	opts.MaxCorrections = m.MaxCorrections
	opts.MinProbability = m.MinConfusionProbability
	opts.BaseConfidence = m.BaseConfidence
	opts.ImprovementWeight = m.ImprovementWeight
	opts.CorrectionPenalty = m.CorrectionPenalty
	return opts
}

// FusionOptions derives alignment and voting settings.
func (m Mode) FusionOptions() fusion.Options {
	return fusion.Options{
		IoUThreshold:         m.IoUThreshold,
		Strategy:             m.Strategy,
		LowConfidenceTrigger: m.VLMTrigger,
		DefaultWeight:        1.0,
	}
}

// ScoringOptions derives the final confidence settings.
func (m Mode) ScoringOptions() scoring.Options {
	opts := scoring.DefaultOptions()
	opts.LanguageWeight = m.LanguageWeight
	opts.EngineWeight = m.EngineWeight
	opts.EnableNGram = m.EnableNGram
	opts.EnableMorphology = m.EnableMorphology
	return opts
}

// PipelineOptions derives the stage thresholds.
func (m Mode) PipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.HighConfidence = m.HighConfidence
	opts.LowConfidence = m.LowConfidence
	opts.MaxReprocess = m.MaxReprocess
	return opts
}

// Weights maps engine IDs to the trust weight of their role. When two roles
// share an ID, the earlier role (primary, then fallback, then tertiary) keeps
// its weight.
func (m Mode) Weights(primaryID, fallbackID, tertiaryID string) map[string]float64 {
	out := make(map[string]float64, 3)
	roles := [...]struct{ role, id string }{
		{RolePrimary, primaryID},
		{RoleFallback, fallbackID},
		{RoleTertiary, tertiaryID},
	}
	for _, r := range roles {
		if r.id == "" {
			continue
		}
		if _, taken := out[r.id]; taken {
			continue
		}
		if w, ok := m.EngineWeights[r.role]; ok {
			out[r.id] = w
		}
	}
	return out
}
