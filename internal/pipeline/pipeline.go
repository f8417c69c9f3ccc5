// Package pipeline runs one document through the fixed sequence of OCR,
// language, engine, reprocessing, post-processing and confidence stages.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocrfusion-worker/internal/corrector"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/fusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/scoring"
)

// Stage identifies one step of the pipeline.
type Stage int

const (
	StageInitialOCR Stage = iota
	StageLanguageDetection
	StageEngineSelection
	StageReprocess
	StagePostProcess
	StageConfidence
)

// Stages returns every stage in execution order.
func Stages() []Stage {
	return []Stage{
		StageInitialOCR,
		StageLanguageDetection,
		StageEngineSelection,
		StageReprocess,
		StagePostProcess,
		StageConfidence,
	}
}

func (s Stage) String() string {
	switch s {
	case StageInitialOCR:
		return "initial_ocr"
	case StageLanguageDetection:
		return "language_detection"
	case StageEngineSelection:
		return "engine_selection"
	case StageReprocess:
		return "reprocess"
	case StagePostProcess:
		return "post_process"
	case StageConfidence:
		return "confidence"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageResult records the outcome of one stage.
type StageResult struct {
	Stage   Stage                  `json:"-"`
	Name    string                 `json:"stage"`
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Elapsed time.Duration          `json:"elapsed_ns"`
	Error   string                 `json:"error,omitempty"`
}

// EngineChoice is the nominal engine for a detected language.
type EngineChoice int

const (
	ChoicePrimary EngineChoice = iota
	ChoiceFallback
	ChoiceFusion
)

func (c EngineChoice) String() string {
	switch c {
	case ChoicePrimary:
		return "primary"
	case ChoiceFallback:
		return "fallback"
	case ChoiceFusion:
		return "fusion"
	default:
		return fmt.Sprintf("choice(%d)", int(c))
	}
}

// DefaultPolicy sends Arabic to the primary engine, English to the
// lightweight fallback and mixed text to fusion of both.
func DefaultPolicy() map[langtag.Language]EngineChoice {
	return map[langtag.Language]EngineChoice{
		langtag.Arabic:  ChoicePrimary,
		langtag.English: ChoiceFallback,
		langtag.Mixed:   ChoiceFusion,
	}
}

// Options configures a Pipeline.
type Options struct {
	// HighConfidence skips reprocessing when the initial read reaches it.
	HighConfidence float64
	// LowConfidence flags results below it in diagnostics.
	LowConfidence float64
	// MaxReprocess caps fallback engine invocations per document.
	MaxReprocess int
	// Policy maps a language to an engine choice; missing languages use
	// the primary engine.
	Policy map[langtag.Language]EngineChoice
}

// DefaultOptions returns the balanced settings.
func DefaultOptions() Options {
	return Options{
		HighConfidence: 0.85,
		LowConfidence:  0.50,
		MaxReprocess:   1,
		Policy:         DefaultPolicy(),
	}
}

// Validate rejects out of range settings.
func (o Options) Validate() error {
	if o.HighConfidence < 0 || o.HighConfidence > 1 {
		return errors.NewValidationError("high_confidence", fmt.Sprintf("must be within [0,1], got %v", o.HighConfidence))
	}
	if o.LowConfidence < 0 || o.LowConfidence > 1 {
		return errors.NewValidationError("low_confidence", fmt.Sprintf("must be within [0,1], got %v", o.LowConfidence))
	}
	if o.LowConfidence > o.HighConfidence {
		return errors.NewValidationError("low_confidence", "must not exceed high_confidence")
	}
	if o.MaxReprocess < 0 {
		return errors.NewValidationError("max_reprocess", fmt.Sprintf("must not be negative, got %d", o.MaxReprocess))
	}
	return nil
}

// Engines are the OCR collaborators for one document. Only Primary is
// required.
type Engines struct {
	Primary  ocr.Engine
	Fallback ocr.Engine
	Tertiary ocr.RegionEngine
	// Weights holds per-engine trust weights keyed by engine ID.
	Weights map[string]float64
}

// Document is one unit of work.
type Document struct {
	ID   string
	Page ocr.Page
	// LanguageHint overrides detection when it names a language.
	LanguageHint langtag.Language
}

// Job pairs a document with its engines for batch processing.
type Job struct {
	Document Document
	Engines  Engines
}

// Result is always returned, even for failed documents.
type Result struct {
	DocumentID   string                 `json:"documentId"`
	Text         string                 `json:"text"`
	Confidence   float64                `json:"confidence"`
	Language     langtag.Language       `json:"-"`
	Trace        []StageResult          `json:"stage_trace"`
	Alternatives []string               `json:"alternatives,omitempty"`
	Diagnostics  map[string]interface{} `json:"diagnostics"`
	Failed       bool                   `json:"failed"`
	Error        string                 `json:"error,omitempty"`
}

// Config wires the pipeline components. Corrector may be nil, which
// disables post-process correction.
type Config struct {
	Tagger    *langtag.Tagger
	Fusion    *fusion.Engine
	Corrector *corrector.BeamCorrector
	Scorer    *scoring.Scorer
	Options   Options
	Logger    *logging.Logger
	// ModelDiagnostics are copied into every result, e.g. model load flags.
	ModelDiagnostics map[string]interface{}
}

// Pipeline is shared across documents; all per-document state lives in
// the call.
type Pipeline struct {
	tagger    *langtag.Tagger
	fusion    *fusion.Engine
	corrector *corrector.BeamCorrector
	scorer    *scoring.Scorer
	opts      Options
	logger    *logging.Logger
	modelDiag map[string]interface{}
}

// New validates cfg and returns a Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Fusion == nil {
		return nil, fmt.Errorf("fusion engine is required")
	}
	if cfg.Scorer == nil {
		return nil, fmt.Errorf("confidence scorer is required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	tagger := cfg.Tagger
	if tagger == nil {
		tagger = langtag.New()
	}
	opts := cfg.Options
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	return &Pipeline{
		tagger:    tagger,
		fusion:    cfg.Fusion,
		corrector: cfg.Corrector,
		scorer:    cfg.Scorer,
		opts:      opts,
		logger:    logging.OrDefault(cfg.Logger, "Pipeline"),
		modelDiag: cfg.ModelDiagnostics,
	}, nil
}

// Process runs every stage for doc. It never returns nil: an Initial-OCR
// failure yields a failed, zero-confidence result, and any later failure
// keeps the previous stage's output.
func (p *Pipeline) Process(ctx context.Context, doc Document, engines Engines) *Result {
	start := time.Now()
	st := newState(doc, engines)
	logger := p.logger.With("document", doc.ID)

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageInitialOCR, p.initialOCR},
		{StageLanguageDetection, p.detectLanguage},
		{StageEngineSelection, p.selectEngine},
		{StageReprocess, p.reprocess},
		{StagePostProcess, p.postProcess},
		{StageConfidence, p.scoreConfidence},
	}

	result := &Result{DocumentID: doc.ID}
	for _, s := range stages {
		sr, err := p.runStage(ctx, s.stage, s.run, st)
		result.Trace = append(result.Trace, sr)
		logger.Debug("Stage finished",
			"stage", sr.Name,
			"success", sr.Success,
			"elapsed_ms", sr.Elapsed.Milliseconds())

		if err == nil {
			continue
		}
		if s.stage == StageInitialOCR {
			result.Failed = true
			result.Error = err.Error()
			result.Diagnostics = st.diagnostics(p.modelDiag)
			logger.Error("Initial OCR failed", "error", err.Error())
			return result
		}
		stageErr := errors.NewStageFailedError(doc.ID, s.stage.String(), err)
		st.stageErrors = append(st.stageErrors, stageErr.Error())
		logger.Warn("Stage degraded to pass-through", "stage", sr.Name, "error", err.Error())
	}

	result.Text = st.text
	result.Confidence = st.final
	result.Language = st.language
	result.Alternatives = st.alternatives
	result.Diagnostics = st.diagnostics(p.modelDiag)
	result.Diagnostics["low_confidence"] = st.final < p.opts.LowConfidence

	logger.Info("Document processed",
		"language", st.language.Code(),
		"engine_used", st.engineUsed,
		"confidence", fmt.Sprintf("%.3f", st.final),
		"corrections", st.corrections,
		"degraded_stages", len(st.stageErrors),
		"elapsed_ms", time.Since(start).Milliseconds())
	return result
}

type stageFunc func(ctx context.Context, st *state) (map[string]interface{}, error)

// runStage times fn and converts a panic into a stage error. On failure the
// document state, except the reprocess attempt count, is restored to what
// it was before the stage ran.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, fn stageFunc, st *state) (sr StageResult, err error) {
	sr = StageResult{Stage: stage, Name: stage.String()}
	saved := *st
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", stage, r)
		}
		sr.Elapsed = time.Since(begin)
		if err != nil {
			// Attempt counts survive the rollback so the trace explains it.
			attempts := st.reprocessAttempts
			*st = saved
			st.reprocessAttempts = attempts
			sr.Success = false
			sr.Error = err.Error()
			return
		}
		sr.Success = true
	}()

	payload, err := fn(ctx, st)
	sr.Payload = payload
	return sr, err
}

// ProcessBatch runs documents concurrently, at most concurrency at a time.
// Results are returned in input order.
func (p *Pipeline) ProcessBatch(ctx context.Context, jobs []Job, concurrency int) []*Result {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]*Result, len(jobs))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range jobs {
		g.Go(func() error {
			results[i] = p.Process(ctx, jobs[i].Document, jobs[i].Engines)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
