package pipeline

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/ocrfusion-worker/internal/bidi"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/fusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/scoring"
)

// state is the per-document working set passed from stage to stage.
type state struct {
	doc     Document
	engines Engines

	words             []ocr.WordResult
	text              string
	confidence        float64
	initialConfidence float64
	engineUsed        string

	language       langtag.Language
	languageSource string
	codeSwitches   int
	choice         EngineChoice

	reprocessed       bool
	reprocessAttempts int
	tertiaryCalls     int
	tertiaryReplaced  int

	corrections          int
	correctionConfidence float64
	alternatives         []string

	final       float64
	stageErrors []string
}

func newState(doc Document, engines Engines) *state {
	return &state{doc: doc, engines: engines, correctionConfidence: 1.0}
}

func (st *state) diagnostics(model map[string]interface{}) map[string]interface{} {
	d := map[string]interface{}{
		"engine_used":           st.engineUsed,
		"initial_confidence":    st.initialConfidence,
		"language_source":       st.languageSource,
		"engine_choice":         st.choice.String(),
		"code_switches":         st.codeSwitches,
		"reprocessed":           st.reprocessed,
		"reprocess_attempts":    st.reprocessAttempts,
		"tertiary_calls":        st.tertiaryCalls,
		"tertiary_replaced":     st.tertiaryReplaced,
		"corrections":           st.corrections,
		"correction_confidence": st.correctionConfidence,
		"base_direction":        bidi.DirectionName(bidi.BaseDirection(st.text)),
		"visual_text":           bidi.Reorder(st.text),
	}
	if len(st.stageErrors) > 0 {
		d["stage_errors"] = append([]string(nil), st.stageErrors...)
	}
	for k, v := range model {
		d[k] = v
	}
	return d
}

func (p *Pipeline) weight(engineID string, weights map[string]float64) float64 {
	if w, ok := weights[engineID]; ok {
		return w
	}
	return p.fusion.Options().DefaultWeight
}

// initialOCR reads the page with the primary engine. Its failure is fatal.
func (p *Pipeline) initialOCR(ctx context.Context, st *state) (map[string]interface{}, error) {
	primary := st.engines.Primary
	if primary == nil {
		return nil, fmt.Errorf("no primary engine configured")
	}
	words, err := primary.Recognize(ctx, st.doc.Page)
	if err != nil {
		return nil, wrapOCR(st.doc.ID, primary.ID(), err)
	}
	words = stampEngine(words, primary.ID())

	st.words = words
	st.text = ocr.JoinText(words)
	st.confidence = ocr.MeanConfidence(words)
	st.initialConfidence = st.confidence
	st.final = st.confidence
	st.engineUsed = primary.ID()
	return map[string]interface{}{
		"engine":     primary.ID(),
		"words":      len(words),
		"confidence": st.confidence,
	}, nil
}

func stampEngine(words []ocr.WordResult, id string) []ocr.WordResult {
	out := make([]ocr.WordResult, len(words))
	for i, w := range words {
		if w.EngineID == "" {
			w.EngineID = id
		}
		out[i] = w
	}
	return out
}

// detectLanguage tags the initial text unless the caller supplied a hint.
func (p *Pipeline) detectLanguage(_ context.Context, st *state) (map[string]interface{}, error) {
	if st.doc.LanguageHint.IsLinguistic() {
		st.language = st.doc.LanguageHint
		st.languageSource = "hint"
		return map[string]interface{}{"language": st.language.Code(), "source": "hint"}, nil
	}
	tagged := p.tagger.TagText(st.text)
	st.language = p.tagger.DetectTagged(tagged)
	st.languageSource = "detected"
	st.codeSwitches = len(langtag.CodeSwitchPoints(tagged))
	return map[string]interface{}{
		"language":      st.language.Code(),
		"source":        "detected",
		"words":         len(tagged),
		"code_switches": st.codeSwitches,
	}, nil
}

// selectEngine looks up the policy for the detected language.
func (p *Pipeline) selectEngine(_ context.Context, st *state) (map[string]interface{}, error) {
	choice, ok := p.opts.Policy[st.language]
	if !ok {
		choice = ChoicePrimary
	}
	st.choice = choice
	payload := map[string]interface{}{"choice": choice.String()}
	if choice != ChoicePrimary && st.engines.Fallback == nil {
		payload["fallback_available"] = false
	}
	return payload, nil
}

// reprocess re-reads the page with the fallback engine and fuses both
// readings when the selected engine differs from the primary and the
// initial read is not already confident. With no second reading, a
// configured tertiary engine may still re-read the weakest words.
func (p *Pipeline) reprocess(ctx context.Context, st *state) (map[string]interface{}, error) {
	lowEnough := st.initialConfidence < p.opts.HighConfidence
	wantsFallback := st.choice != ChoicePrimary && st.engines.Fallback != nil && lowEnough

	if !wantsFallback || p.opts.MaxReprocess == 0 {
		if st.engines.Tertiary == nil || !lowEnough || len(st.words) == 0 {
			return map[string]interface{}{"action": "pass_through"}, nil
		}
		outputs := []ocr.EngineOutput{p.output(st.engineUsed, st.words, st.engines.Weights)}
		p.applyFusion(ctx, st, outputs)
		return map[string]interface{}{
			"action":            "tertiary_only",
			"tertiary_calls":    st.tertiaryCalls,
			"tertiary_replaced": st.tertiaryReplaced,
		}, nil
	}

	fallback := st.engines.Fallback
	var (
		words   []ocr.WordResult
		lastErr error
	)
	for st.reprocessAttempts < p.opts.MaxReprocess {
		st.reprocessAttempts++
		words, lastErr = fallback.Recognize(ctx, st.doc.Page)
		if lastErr == nil {
			break
		}
		p.logger.Warn("Fallback engine failed",
			"document", st.doc.ID,
			"engine", fallback.ID(),
			"attempt", st.reprocessAttempts,
			"error", lastErr.Error())
	}
	if lastErr != nil {
		return map[string]interface{}{
			"action":   "fallback_failed",
			"fallback": fallback.ID(),
			"attempts": st.reprocessAttempts,
		}, wrapOCR(st.doc.ID, fallback.ID(), lastErr)
	}

	outputs := []ocr.EngineOutput{
		p.output(st.engineUsed, st.words, st.engines.Weights),
		p.output(fallback.ID(), stampEngine(words, fallback.ID()), st.engines.Weights),
	}
	p.applyFusion(ctx, st, outputs)
	st.reprocessed = true
	st.engineUsed = st.engineUsed + "+" + fallback.ID()
	return map[string]interface{}{
		"action":            "fused",
		"fallback":          fallback.ID(),
		"attempts":          st.reprocessAttempts,
		"confidence":        st.confidence,
		"tertiary_calls":    st.tertiaryCalls,
		"tertiary_replaced": st.tertiaryReplaced,
	}, nil
}

func (p *Pipeline) output(id string, words []ocr.WordResult, weights map[string]float64) ocr.EngineOutput {
	return ocr.EngineOutput{EngineID: id, Weight: p.weight(id, weights), Words: words}
}

func (p *Pipeline) applyFusion(ctx context.Context, st *state, outputs []ocr.EngineOutput) {
	var tertiary fusion.Tertiary
	if st.engines.Tertiary != nil {
		tertiary = regionTertiary{engine: st.engines.Tertiary, page: st.doc.Page}
	}
	res := p.fusion.Fuse(ctx, outputs, tertiary)

	fused := make([]ocr.WordResult, 0, len(res.Words))
	for _, fw := range res.Words {
		fused = append(fused, ocr.WordResult{
			Text:       fw.Text,
			Confidence: fw.Confidence,
			BBox:       fw.BBox,
			EngineID:   fw.Source,
		})
	}
	st.words = fused
	st.text = res.Text
	st.confidence = res.Confidence
	st.final = res.Confidence
	st.tertiaryCalls += res.TertiaryCalls
	st.tertiaryReplaced += res.TertiaryReplaced
}

// postProcess normalizes the text and corrects Arabic-dominant text.
func (p *Pipeline) postProcess(_ context.Context, st *state) (map[string]interface{}, error) {
	text := Normalize(st.text)
	payload := map[string]interface{}{"normalized": text != st.text}

	if st.language == langtag.Arabic && p.corrector != nil && text != "" {
		res := p.corrector.CorrectText(text)
		text = res.Corrected
		st.corrections = res.Corrections()
		st.correctionConfidence = res.Confidence
		st.alternatives = nil
		for _, w := range res.Words {
			for _, alt := range w.Alternatives {
				st.alternatives = append(st.alternatives, alt.Text)
			}
		}
		payload["corrections"] = st.corrections
		payload["correction_confidence"] = res.Confidence
	} else {
		payload["corrected"] = false
	}
	st.text = text
	return payload, nil
}

// scoreConfidence produces the final calibrated confidence.
func (p *Pipeline) scoreConfidence(_ context.Context, st *state) (map[string]interface{}, error) {
	if st.text == "" {
		st.final = 0
		return map[string]interface{}{"empty": true}, nil
	}
	hint := langtag.Unknown
	if st.language.IsLinguistic() {
		hint = st.language
	}
	engineConf := scoring.NoEngineConfidence
	if len(st.words) > 0 {
		engineConf = st.confidence
	}
	score := p.scorer.Score(st.text, hint, engineConf)
	st.final = score.Confidence
	return map[string]interface{}{
		"confidence":     score.Confidence,
		"language_score": score.LanguageScore,
		"scored":         score.Scored,
		"fragmentation":  score.Fragmentation,
	}, nil
}

// regionTertiary binds a region engine to the page being processed.
type regionTertiary struct {
	engine ocr.RegionEngine
	page   ocr.Page
}

func (r regionTertiary) Reread(ctx context.Context, box ocr.BoundingBox) (ocr.WordResult, error) {
	return r.engine.RecognizeRegion(ctx, r.page, box)
}

func wrapOCR(documentID, engineID string, err error) error {
	return errors.NewOCRFailedError(documentID, engineID, err)
}
