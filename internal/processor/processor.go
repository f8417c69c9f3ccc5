/**
 * Correction Processor for the OCR Fusion Worker
 *
 * Turns one queue job into one corrected document:
 * - builds the engines for the job (payload words or local Tesseract)
 * - runs the six-stage correction pipeline under the processing timeout
 * - persists the result and its stage trace
 */

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocrfusion-worker/internal/config"
	"github.com/adverant/nexus/ocrfusion-worker/internal/corrector"
	"github.com/adverant/nexus/ocrfusion-worker/internal/engines"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/fusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/pipeline"
	"github.com/adverant/nexus/ocrfusion-worker/internal/scoring"
	"github.com/adverant/nexus/ocrfusion-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore persists job status and results. *storage.PostgresClient
// implements it.
type ResultStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreResult(ctx context.Context, rec *storage.CorrectionRecord) (string, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Mode   config.Mode
	Models *Models
	// Store is optional; nil disables persistence.
	Store ResultStore
	// Primary and Fallback read pages that arrive without precomputed words.
	Primary  ocr.Engine
	Fallback ocr.Engine
	// Tertiary re-reads low-confidence regions; optional.
	Tertiary ocr.RegionEngine
	// Timeout bounds one document; 0 means no extra deadline.
	Timeout time.Duration
	Logger  *logging.Logger
}

// EngineInput is one engine's precomputed reading carried in a job.
type EngineInput struct {
	EngineID string
	Weight   float64
	Words    []ocr.WordResult
}

// ProcessRequest represents a document correction request
type ProcessRequest struct {
	JobID        string
	DocumentID   string
	LanguageHint string
	Image        []byte
	// Engines, when present, replace live OCR: the first is the primary
	// reading, the second the fallback and the third the tertiary.
	Engines  []EngineInput
	Metadata map[string]interface{}
}

// ProcessResult summarizes a processed document
type ProcessResult struct {
	JobID            string
	DocumentID       string
	ResultID         string
	Text             string
	Confidence       float64
	Language         string
	EngineUsed       string
	Corrections      int
	LowConfidence    bool
	ProcessingTimeMs int64
	Result           *pipeline.Result
}

// CorrectionProcessor handles document correction
type CorrectionProcessor struct {
	mode     config.Mode
	pipeline *pipeline.Pipeline
	store    ResultStore
	primary  ocr.Engine
	fallback ocr.Engine
	tertiary ocr.RegionEngine
	timeout  time.Duration
	logger   *logging.Logger
}

// NewCorrectionProcessor validates the mode and wires the pipeline.
func NewCorrectionProcessor(cfg *ProcessorConfig) (*CorrectionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Mode.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(cfg.Logger, "CorrectionProcessor")

	models := cfg.Models
	if models == nil {
		models = LoadModels(ModelPaths{}, logger)
	}

	tagger := langtag.New()
	fusionEngine, err := fusion.New(cfg.Mode.FusionOptions(), tagger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fusion engine: %w", err)
	}
	beam, err := corrector.NewBeamCorrector(models.Confusion, models.Arabic, cfg.Mode.CorrectorOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create corrector: %w", err)
	}
	scorer, err := scoring.New(models.Arabic, models.English, tagger, cfg.Mode.ScoringOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	pl, err := pipeline.New(&pipeline.Config{
		Tagger:           tagger,
		Fusion:           fusionEngine,
		Corrector:        beam,
		Scorer:           scorer,
		Options:          cfg.Mode.PipelineOptions(),
		Logger:           logger,
		ModelDiagnostics: models.Diagnostics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	logger.Info("Correction processor ready",
		"mode", cfg.Mode.Name,
		"persistence", cfg.Store != nil,
		"liveOCR", cfg.Primary != nil,
		"tertiary", cfg.Tertiary != nil)

	return &CorrectionProcessor{
		mode:     cfg.Mode,
		pipeline: pl,
		store:    cfg.Store,
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		tertiary: cfg.Tertiary,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// ProcessDocument corrects one document. A failed Initial OCR or an
// exceeded timeout is returned as an error after the result has been stored.
func (p *CorrectionProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	if req == nil || req.JobID == "" {
		return nil, errors.NewInvalidPayloadError("", fmt.Errorf("job ID is required"))
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.New().String()
	}

	eng, err := p.buildEngines(req)
	if err != nil {
		return nil, errors.NewInvalidPayloadError(req.JobID, err)
	}

	hint := langtag.Unknown
	if req.LanguageHint != "" {
		parsed, ok := langtag.ParseLanguage(req.LanguageHint)
		if !ok {
			p.logger.Warn("Ignoring unknown language hint", "job", req.JobID, "hint", req.LanguageHint)
		}
		hint = parsed
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	doc := pipeline.Document{
		ID:           req.DocumentID,
		Page:         ocr.Page{ID: req.DocumentID, Image: req.Image},
		LanguageHint: hint,
	}
	res := p.pipeline.Process(ctx, doc, eng)

	out := summarize(req, res)
	out.ProcessingTimeMs = time.Since(start).Milliseconds()

	timedOut := ctx.Err() == context.DeadlineExceeded

	var storeErr error
	if p.store != nil {
		out.ResultID, storeErr = p.persist(ctx, req, res)
	}

	switch {
	case timedOut:
		if storeErr != nil {
			p.logger.Warn("Failed to store timed out result", "job", req.JobID, "error", storeErr.Error())
		}
		return out, errors.NewProcessingTimeoutError(req.JobID, p.timeout, ctx.Err())
	case storeErr != nil:
		return out, errors.NewStorageFailedError(req.JobID, storeErr)
	case res.Failed:
		return out, fmt.Errorf("document %s failed: %s", req.DocumentID, res.Error)
	}
	return out, nil
}

// buildEngines prefers precomputed readings and falls back to live OCR.
func (p *CorrectionProcessor) buildEngines(req *ProcessRequest) (pipeline.Engines, error) {
	if len(req.Engines) > 0 {
		return p.staticEngines(req.Engines, len(req.Image) > 0)
	}
	if len(req.Image) == 0 {
		return pipeline.Engines{}, fmt.Errorf("job carries neither engine readings nor an image")
	}
	if p.primary == nil {
		return pipeline.Engines{}, fmt.Errorf("no OCR engine configured for image jobs")
	}
	eng := pipeline.Engines{
		Primary:  p.primary,
		Fallback: p.fallback,
		Tertiary: p.tertiary,
	}
	eng.Weights = p.mode.Weights(engineID(p.primary), engineID(p.fallback), engineID(p.tertiary))
	return eng, nil
}

// staticEngines maps payload readings to roles in order. The configured
// tertiary engine is attached only when there is an image for it to read.
func (p *CorrectionProcessor) staticEngines(inputs []EngineInput, hasImage bool) (pipeline.Engines, error) {
	roles := []string{config.RolePrimary, config.RoleFallback, config.RoleTertiary}
	if len(inputs) > len(roles) {
		return pipeline.Engines{}, fmt.Errorf("at most %d engine readings are supported, got %d", len(roles), len(inputs))
	}

	eng := pipeline.Engines{Weights: make(map[string]float64, len(inputs))}
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		id := in.EngineID
		if id == "" {
			id = fmt.Sprintf("engine-%d", i+1)
		}
		if seen[id] {
			return pipeline.Engines{}, fmt.Errorf("duplicate engine ID %q", id)
		}
		seen[id] = true

		weight := in.Weight
		if weight <= 0 {
			weight = p.mode.EngineWeights[roles[i]]
		}
		eng.Weights[id] = weight

		static := engines.NewStatic(id, in.Words)
		switch i {
		case 0:
			eng.Primary = static
		case 1:
			eng.Fallback = static
		case 2:
			eng.Tertiary = static
		}
	}
	if eng.Tertiary == nil && p.tertiary != nil && hasImage {
		eng.Tertiary = p.tertiary
		eng.Weights[p.tertiary.ID()] = p.mode.EngineWeights[config.RoleTertiary]
	}
	return eng, nil
}

func engineID(e ocr.Engine) string {
	if e == nil {
		return ""
	}
	return e.ID()
}

func summarize(req *ProcessRequest, res *pipeline.Result) *ProcessResult {
	out := &ProcessResult{
		JobID:      req.JobID,
		DocumentID: req.DocumentID,
		Text:       res.Text,
		Confidence: res.Confidence,
		Language:   res.Language.Code(),
		Result:     res,
	}
	if v, ok := res.Diagnostics["engine_used"].(string); ok {
		out.EngineUsed = v
	}
	if v, ok := res.Diagnostics["corrections"].(int); ok {
		out.Corrections = v
	}
	if v, ok := res.Diagnostics["low_confidence"].(bool); ok {
		out.LowConfidence = v
	}
	return out
}

func (p *CorrectionProcessor) persist(ctx context.Context, req *ProcessRequest, res *pipeline.Result) (string, error) {
	// A document that just timed out still gets its result stored.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	trace, err := json.Marshal(res.Trace)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stage trace: %w", err)
	}

	rec := &storage.CorrectionRecord{
		JobID:        req.JobID,
		DocumentID:   req.DocumentID,
		Text:         res.Text,
		Confidence:   res.Confidence,
		Language:     res.Language.Code(),
		Failed:       res.Failed,
		Error:        res.Error,
		Alternatives: res.Alternatives,
		StageTrace:   trace,
		Diagnostics:  res.Diagnostics,
	}
	if v, ok := res.Diagnostics["corrections"].(int); ok {
		rec.Corrections = v
	}

	// The job row must exist before the result references it.
	if err := p.store.UpdateJobStatus(storeCtx, &storage.JobUpdate{JobID: req.JobID, Status: "processing"}); err != nil {
		return "", err
	}
	return p.store.StoreResult(storeCtx, rec)
}

// UpdateJobStatus records job progress. Without a store it only logs.
func (p *CorrectionProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	p.logger.Debug("Job status", "job", jobID, "status", status, "progress", progress)
	if p.store == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}
	if metadata != nil {
		if v, ok := metadata["confidence"].(float64); ok {
			update.Confidence = v
		}
		if v, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = v
		}
		if v, ok := metadata["resultId"].(string); ok {
			update.ResultID = v
		}
		if v, ok := metadata["engineUsed"].(string); ok {
			update.EngineUsed = v
		}
		if v, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = v
		}
		if v, ok := metadata["error"].(string); ok {
			update.ErrorMessage = v
		} else if v, ok := metadata["message"].(string); ok {
			update.ErrorMessage = v
		}
	}
	return p.store.UpdateJobStatus(ctx, update)
}
