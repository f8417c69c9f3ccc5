package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrfusion-worker/internal/confusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/corrector"
	"github.com/adverant/nexus/ocrfusion-worker/internal/fusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ngram"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/scoring"
)

type fakeEngine struct {
	id     string
	words  []ocr.WordResult
	err    error
	panics bool
	calls  int32
}

func (f *fakeEngine) ID() string { return f.id }

func (f *fakeEngine) Recognize(_ context.Context, _ ocr.Page) ([]ocr.WordResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panics {
		panic("engine crashed")
	}
	return f.words, f.err
}

type fakeRegion struct {
	fakeEngine
	region ocr.WordResult
}

func (f *fakeRegion) RecognizeRegion(_ context.Context, _ ocr.Page, _ ocr.BoundingBox) (ocr.WordResult, error) {
	return f.region, nil
}

func line(texts []string, conf float64) []ocr.WordResult {
	words := make([]ocr.WordResult, len(texts))
	for i, t := range texts {
		x := float64(i * 100)
		words[i] = ocr.WordResult{Text: t, Confidence: conf, BBox: ocr.BoundingBox{X1: x, Y1: 0, X2: x + 80, Y2: 20}}
	}
	return words
}

func newPipeline(t *testing.T, mutate func(*Options)) *Pipeline {
	t.Helper()
	arabic, english := ngram.NewArabic(), ngram.NewEnglish()
	tagger := langtag.New()

	bc, err := corrector.NewBeamCorrector(confusion.New(nil), arabic, corrector.DefaultOptions())
	require.NoError(t, err)
	fe, err := fusion.New(fusion.DefaultOptions(), tagger, nil)
	require.NoError(t, err)
	sc, err := scoring.New(arabic, english, tagger, scoring.DefaultOptions())
	require.NoError(t, err)

	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(&Config{
		Tagger:           tagger,
		Fusion:           fe,
		Corrector:        bc,
		Scorer:           sc,
		Options:          opts,
		ModelDiagnostics: map[string]interface{}{"ngram_ar_load_failed": false},
	})
	require.NoError(t, err)
	return p
}

func stageNames(trace []StageResult) []string {
	out := make([]string, len(trace))
	for i, sr := range trace {
		out[i] = sr.Name
	}
	return out
}

func TestProcessRunsAllStagesInOrder(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess-ara", words: line([]string{"فاتورة", "رقم", "17"}, 0.92)}

	res := p.Process(context.Background(), Document{ID: "doc-1"}, Engines{Primary: primary})
	require.NotNil(t, res)
	require.Len(t, res.Trace, len(Stages()))

	want := make([]string, 0, len(Stages()))
	for _, s := range Stages() {
		want = append(want, s.String())
	}
	assert.Equal(t, want, stageNames(res.Trace))
	for _, sr := range res.Trace {
		assert.True(t, sr.Success, sr.Name)
	}

	assert.False(t, res.Failed)
	assert.Equal(t, langtag.Arabic, res.Language)
	assert.NotEmpty(t, res.Text)
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	assert.Equal(t, "tess-ara", res.Diagnostics["engine_used"])
	assert.Equal(t, "rtl", res.Diagnostics["base_direction"])
	assert.Equal(t, false, res.Diagnostics["ngram_ar_load_failed"])
	assert.Contains(t, res.Diagnostics, "corrections")
	assert.Contains(t, res.Diagnostics, "low_confidence")
}

func TestInitialOCRFailureIsFatal(t *testing.T) {
	p := newPipeline(t, nil)
	engines := []ocr.Engine{
		&fakeEngine{id: "tess", err: fmt.Errorf("image unreadable")},
		&fakeEngine{id: "tess", panics: true},
	}
	for _, primary := range engines {
		res := p.Process(context.Background(), Document{ID: "doc-2"}, Engines{Primary: primary})
		require.NotNil(t, res)
		assert.True(t, res.Failed)
		assert.Empty(t, res.Text)
		assert.Zero(t, res.Confidence)
		require.Len(t, res.Trace, 1)
		assert.False(t, res.Trace[0].Success)
		assert.NotEmpty(t, res.Error)
	}

	res := p.Process(context.Background(), Document{ID: "doc-3"}, Engines{})
	assert.True(t, res.Failed)
	assert.Contains(t, res.Error, "no primary engine")
}

func TestEmptyReadIsNotAFailure(t *testing.T) {
	p := newPipeline(t, nil)
	res := p.Process(context.Background(), Document{ID: "empty"}, Engines{Primary: &fakeEngine{id: "tess"}})
	assert.False(t, res.Failed)
	assert.Equal(t, "", res.Text)
	assert.Zero(t, res.Confidence)
	assert.Len(t, res.Trace, 6)
}

func TestLowConfidenceEnglishIsReprocessedAndFused(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess-ara", words: line([]string{"hom3", "total"}, 0.6)}
	fallback := &fakeEngine{id: "tess-eng", words: line([]string{"home", "total"}, 0.8)}

	res := p.Process(context.Background(), Document{ID: "doc-4"}, Engines{
		Primary:  primary,
		Fallback: fallback,
		Weights:  map[string]float64{"tess-ara": 0.5, "tess-eng": 1.0},
	})
	require.False(t, res.Failed)
	assert.EqualValues(t, 1, fallback.calls)
	assert.Equal(t, true, res.Diagnostics["reprocessed"])
	assert.Equal(t, "tess-ara+tess-eng", res.Diagnostics["engine_used"])
	assert.Equal(t, "home total", res.Text)
	assert.Equal(t, "fallback", res.Diagnostics["engine_choice"])
}

func TestConfidentReadSkipsReprocessing(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess", words: line([]string{"invoice", "total"}, 0.95)}
	fallback := &fakeEngine{id: "light", words: line([]string{"invoice", "tota1"}, 0.9)}

	res := p.Process(context.Background(), Document{ID: "doc-5"}, Engines{Primary: primary, Fallback: fallback})
	assert.Zero(t, fallback.calls)
	assert.Equal(t, false, res.Diagnostics["reprocessed"])
	assert.Equal(t, "invoice total", res.Text)
}

func TestFallbackFailureDegradesStage(t *testing.T) {
	p := newPipeline(t, func(o *Options) { o.MaxReprocess = 3 })
	primary := &fakeEngine{id: "tess", words: line([]string{"amount", "due"}, 0.4)}
	fallback := &fakeEngine{id: "light", err: fmt.Errorf("timeout")}

	res := p.Process(context.Background(), Document{ID: "doc-6"}, Engines{Primary: primary, Fallback: fallback})
	require.False(t, res.Failed)
	assert.EqualValues(t, 3, fallback.calls)

	for _, sr := range res.Trace {
		assert.Equal(t, sr.Stage != StageReprocess, sr.Success, sr.Name)
	}
	assert.Equal(t, "amount due", res.Text)
	assert.Equal(t, "tess", res.Diagnostics["engine_used"])
	assert.Contains(t, res.Diagnostics, "stage_errors")
	assert.Equal(t, 3, res.Diagnostics["reprocess_attempts"])
	assert.Equal(t, false, res.Diagnostics["reprocessed"])

	stage := res.Trace[StageReprocess]
	assert.Equal(t, "fallback_failed", stage.Payload["action"])
	assert.Equal(t, "light", stage.Payload["fallback"])
	assert.Equal(t, 3, stage.Payload["attempts"])
	assert.Contains(t, stage.Error, "timeout")
}

func TestPanickingFallbackIsContained(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess", words: line([]string{"amount", "due"}, 0.4)}
	fallback := &fakeEngine{id: "light", panics: true}

	res := p.Process(context.Background(), Document{ID: "doc-7"}, Engines{Primary: primary, Fallback: fallback})
	require.False(t, res.Failed)
	require.Len(t, res.Trace, 6)
	assert.False(t, res.Trace[StageReprocess].Success)
	assert.Contains(t, res.Trace[StageReprocess].Error, "panic")
	assert.True(t, res.Trace[StageConfidence].Success)
}

func TestArabicTextIsCorrected(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess-ara", words: line([]string{"فاتوره", "الشركه", "رقم"}, 0.9)}

	res := p.Process(context.Background(), Document{ID: "doc-ar"}, Engines{Primary: primary})
	require.False(t, res.Failed)
	assert.Equal(t, langtag.Arabic, res.Language)
	assert.Equal(t, "detected", res.Diagnostics["language_source"])
	assert.Equal(t, "فاتورة الشركة رقم", res.Text)
	assert.Equal(t, 2, res.Diagnostics["corrections"])

	stage := res.Trace[StagePostProcess]
	assert.True(t, stage.Success)
	assert.Equal(t, 2, stage.Payload["corrections"])
	assert.NotContains(t, stage.Payload, "corrected")
}

func TestDetectedEnglishIsNotCorrected(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess-eng", words: line([]string{"hom3", "total", "due"}, 0.9)}

	res := p.Process(context.Background(), Document{ID: "doc-en"}, Engines{Primary: primary})
	require.False(t, res.Failed)
	assert.Equal(t, langtag.English, res.Language)
	assert.Equal(t, "detected", res.Diagnostics["language_source"])
	assert.Equal(t, "hom3 total due", res.Text)
	assert.Equal(t, 0, res.Diagnostics["corrections"])
	assert.Equal(t, false, res.Trace[StagePostProcess].Payload["corrected"])
	assert.Empty(t, res.Alternatives)
}

func TestLanguageHintOverridesDetection(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess", words: line([]string{"بيت", "كتاب"}, 0.9)}

	res := p.Process(context.Background(), Document{ID: "doc-8", LanguageHint: langtag.English}, Engines{Primary: primary})
	assert.Equal(t, langtag.English, res.Language)
	assert.Equal(t, "hint", res.Diagnostics["language_source"])
	assert.Equal(t, 0, res.Diagnostics["corrections"])
	assert.Equal(t, false, res.Trace[StagePostProcess].Payload["corrected"])
}

func TestTertiaryOnlyRereadsWeakWords(t *testing.T) {
	p := newPipeline(t, nil)
	primary := &fakeEngine{id: "tess", words: []ocr.WordResult{
		{Text: "فاتورة", Confidence: 0.9, BBox: ocr.BoundingBox{X1: 0, Y1: 0, X2: 80, Y2: 20}},
		{Text: "رةم", Confidence: 0.2, BBox: ocr.BoundingBox{X1: 100, Y1: 0, X2: 180, Y2: 20}},
	}}
	vision := &fakeRegion{
		fakeEngine: fakeEngine{id: "vision"},
		region:     ocr.WordResult{Text: "رقم", Confidence: 0.9, EngineID: "vision"},
	}

	res := p.Process(context.Background(), Document{ID: "doc-9"}, Engines{Primary: primary, Tertiary: vision})
	assert.Equal(t, 1, res.Diagnostics["tertiary_calls"])
	assert.Equal(t, 1, res.Diagnostics["tertiary_replaced"])
	assert.Contains(t, res.Text, "رقم")
	assert.Equal(t, "tertiary_only", res.Trace[StageReprocess].Payload["action"])
}

func TestProcessBatchKeepsOrder(t *testing.T) {
	p := newPipeline(t, nil)
	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = Job{
			Document: Document{ID: fmt.Sprintf("doc-%d", i)},
			Engines:  Engines{Primary: &fakeEngine{id: "tess", words: line([]string{"total", fmt.Sprint(i)}, 0.9)}},
		}
	}
	results := p.ProcessBatch(context.Background(), jobs, 3)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, fmt.Sprintf("doc-%d", i), res.DocumentID)
		assert.Equal(t, fmt.Sprintf("total %d", i), res.Text)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  a\u200b b  \n c ", "a b c"},
		{"e\u0301", "\u00e9"},
		{"\ufeffرقم\t\t17", "رقم 17"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "%q", tt.in)
	}
}

func TestOptionsValidate(t *testing.T) {
	bad := []func(*Options){
		func(o *Options) { o.HighConfidence = 1.5 },
		func(o *Options) { o.LowConfidence = -0.1 },
		func(o *Options) { o.LowConfidence = 0.9; o.HighConfidence = 0.8 },
		func(o *Options) { o.MaxReprocess = -1 },
	}
	for i, mutate := range bad {
		opts := DefaultOptions()
		mutate(&opts)
		assert.Error(t, opts.Validate(), "case %d", i)
	}
	assert.NoError(t, DefaultOptions().Validate())
}
