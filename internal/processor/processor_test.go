package processor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrfusion-worker/internal/config"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	updates []*storage.JobUpdate
	records []*storage.CorrectionRecord
	failOn  string
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, u *storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "update" {
		return fmt.Errorf("connection refused")
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStore) StoreResult(_ context.Context, rec *storage.CorrectionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "store" {
		return "", fmt.Errorf("disk full")
	}
	s.records = append(s.records, rec)
	return fmt.Sprintf("result-%d", len(s.records)), nil
}

type failingEngine struct{}

func (failingEngine) ID() string { return "broken" }

func (failingEngine) Recognize(context.Context, ocr.Page) ([]ocr.WordResult, error) {
	return nil, fmt.Errorf("tesseract not installed")
}

// stallingEngine blocks until the job deadline passes.
type stallingEngine struct{}

func (stallingEngine) ID() string { return "stalled" }

func (stallingEngine) Recognize(ctx context.Context, _ ocr.Page) ([]ocr.WordResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func box(x float64) ocr.BoundingBox {
	return ocr.BoundingBox{X1: x, Y1: 0, X2: x + 40, Y2: 20}
}

func newProcessor(t *testing.T, store ResultStore, primary ocr.Engine) *CorrectionProcessor {
	t.Helper()
	cfg := &ProcessorConfig{
		Mode:    config.ModeByName(config.ModeBalanced),
		Store:   store,
		Primary: primary,
	}
	p, err := NewCorrectionProcessor(cfg)
	require.NoError(t, err)
	return p
}

func TestProcessDocumentFromPayload(t *testing.T) {
	store := &fakeStore{}
	p := newProcessor(t, store, nil)

	out, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:        "job-1",
		DocumentID:   "doc-1",
		LanguageHint: "en",
		Engines: []EngineInput{{
			EngineID: "upstream",
			Words: []ocr.WordResult{
				{Text: "the", Confidence: 0.95, BBox: box(0)},
				{Text: "invoice", Confidence: 0.92, BBox: box(50)},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "the invoice", out.Text)
	assert.Equal(t, "en", out.Language)
	assert.Equal(t, "upstream", out.EngineUsed)
	assert.Equal(t, "result-1", out.ResultID)
	assert.Greater(t, out.Confidence, 0.0)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "doc-1", rec.DocumentID)
	assert.False(t, rec.Failed)

	var trace []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.StageTrace, &trace))
	assert.Len(t, trace, 6)
	assert.Equal(t, "initial_ocr", trace[0]["stage"])

	require.NotEmpty(t, store.updates)
	assert.Equal(t, "processing", store.updates[0].Status)
}

func TestProcessDocumentGeneratesDocumentID(t *testing.T) {
	p := newProcessor(t, nil, nil)
	out, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:   "job-2",
		Engines: []EngineInput{{EngineID: "a", Words: []ocr.WordResult{{Text: "hello", Confidence: 0.9, BBox: box(0)}}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.DocumentID)
	assert.Empty(t, out.ResultID)
}

func TestProcessDocumentRejectsEmptyJob(t *testing.T) {
	p := newProcessor(t, nil, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-3"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorInvalidPayload}))

	_, err = p.ProcessDocument(context.Background(), &ProcessRequest{})
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorInvalidPayload}))

	// An image without a configured engine cannot be read either.
	_, err = p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-4", Image: []byte{1, 2}})
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorInvalidPayload}))
}

func TestInitialOCRFailureIsStoredAndReturned(t *testing.T) {
	store := &fakeStore{}
	p := newProcessor(t, store, failingEngine{})

	out, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-5", DocumentID: "doc-5", Image: []byte{1}})
	require.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Result.Failed)
	assert.Equal(t, 0.0, out.Confidence)

	require.Len(t, store.records, 1)
	assert.True(t, store.records[0].Failed)
	assert.Contains(t, store.records[0].Error, "tesseract not installed")
}

func TestTimedOutDocumentIsStored(t *testing.T) {
	store := &fakeStore{}
	p, err := NewCorrectionProcessor(&ProcessorConfig{
		Mode:    config.ModeByName(config.ModeBalanced),
		Store:   store,
		Primary: stallingEngine{},
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	out, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-slow", DocumentID: "doc-slow", Image: []byte{1}})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorProcessingTimeout}))
	require.NotNil(t, out)
	assert.Equal(t, "result-1", out.ResultID)

	require.Len(t, store.records, 1)
	assert.Equal(t, "job-slow", store.records[0].JobID)
	assert.True(t, store.records[0].Failed)
	assert.Contains(t, store.records[0].Error, "deadline exceeded")
}

func TestStorageFailureSurfaces(t *testing.T) {
	p := newProcessor(t, &fakeStore{failOn: "store"}, nil)
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:   "job-6",
		Engines: []EngineInput{{EngineID: "a", Words: []ocr.WordResult{{Text: "hello", Confidence: 0.9, BBox: box(0)}}}},
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorStorageFailed}))
}

func TestStaticEngineRoles(t *testing.T) {
	p := newProcessor(t, nil, nil)
	mode := config.ModeByName(config.ModeBalanced)

	eng, err := p.staticEngines([]EngineInput{
		{EngineID: "a", Weight: 0.9},
		{EngineID: "b"},
		{},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "a", eng.Primary.ID())
	assert.Equal(t, "b", eng.Fallback.ID())
	assert.Equal(t, "engine-3", eng.Tertiary.ID())
	assert.Equal(t, 0.9, eng.Weights["a"])
	assert.Equal(t, mode.EngineWeights[config.RoleFallback], eng.Weights["b"])
	assert.Equal(t, mode.EngineWeights[config.RoleTertiary], eng.Weights["engine-3"])

	_, err = p.staticEngines([]EngineInput{{EngineID: "a"}, {EngineID: "a"}}, false)
	assert.Error(t, err)

	_, err = p.staticEngines(make([]EngineInput, 4), false)
	assert.Error(t, err)
}

func TestUpdateJobStatusMapsMetadata(t *testing.T) {
	store := &fakeStore{}
	p := newProcessor(t, store, nil)

	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-7", "completed", 100, map[string]interface{}{
		"confidence":     0.91,
		"processingTime": int64(1200),
		"resultId":       "r-1",
		"engineUsed":     "tess",
	}))
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-8", "failed", 100, map[string]interface{}{
		"error_code": "PROCESSING_TIMEOUT",
		"message":    "Processing timed out after 2m0s",
	}))

	require.Len(t, store.updates, 2)
	done := store.updates[0]
	assert.Equal(t, 0.91, done.Confidence)
	assert.Equal(t, int64(1200), done.ProcessingTimeMs)
	assert.Equal(t, "r-1", done.ResultID)
	assert.Equal(t, "tess", done.EngineUsed)

	failed := store.updates[1]
	assert.Equal(t, "PROCESSING_TIMEOUT", failed.ErrorCode)
	assert.Equal(t, "Processing timed out after 2m0s", failed.ErrorMessage)

	assert.NoError(t, newProcessor(t, nil, nil).UpdateJobStatus(context.Background(), "job-9", "processing", 0, nil))
}

func TestNewCorrectionProcessorRejectsBadMode(t *testing.T) {
	mode := config.ModeByName(config.ModeFast)
	mode.BeamWidth = 0
	_, err := NewCorrectionProcessor(&ProcessorConfig{Mode: mode})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorValidationFailed}))

	_, err = NewCorrectionProcessor(nil)
	assert.Error(t, err)
}

func TestLoadModels(t *testing.T) {
	dir := t.TempDir()
	arPath := filepath.Join(dir, "ar.tsv")
	require.NoError(t, os.WriteFile(arPath, []byte("# extra\nكتب\t-0.4\n"), 0o644))
	overridesPath := filepath.Join(dir, "confusion.json")
	require.NoError(t, os.WriteFile(overridesPath, []byte(`{"ح":[{"target":"خ","probability":0.4}]}`), 0o644))

	m := LoadModels(ModelPaths{
		NGramArabic:        arPath,
		NGramEnglish:       filepath.Join(dir, "missing.tsv"),
		ConfusionOverrides: overridesPath,
	}, nil)

	assert.Equal(t, false, m.Diagnostics["ngram_ar_load_failed"])
	assert.Equal(t, 1, m.Diagnostics["ngram_ar_loaded"])
	assert.Equal(t, true, m.Diagnostics["ngram_en_load_failed"])
	assert.Equal(t, false, m.Diagnostics["confusion_load_failed"])
	assert.Equal(t, 1, m.Diagnostics["confusion_overrides"])
	assert.Equal(t, 0.4, m.Confusion.ProbabilityOf('ح', 'خ', 0))
	assert.Equal(t, -0.4, m.Arabic.ScoreTrigram("كتب"))
}

func TestLoadModelsBadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confusion.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	m := LoadModels(ModelPaths{ConfusionOverrides: path}, nil)
	assert.Equal(t, true, m.Diagnostics["confusion_load_failed"])
	assert.NotNil(t, m.Confusion)
	assert.Greater(t, m.Confusion.Sources(), 0)
}
