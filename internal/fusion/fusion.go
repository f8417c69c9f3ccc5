// Package fusion merges word results from several OCR engines that read the
// same page. Words are aligned by bounding box overlap and each aligned
// group is resolved to one word by a voting strategy.
package fusion

import (
	"context"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/langtag"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
)

// Strategy selects how an aligned group is resolved.
type Strategy int

const (
	CharacterVote Strategy = iota
	WeightedSelect
	ConfidenceSelect
)

func (s Strategy) String() string {
	switch s {
	case CharacterVote:
		return "character_vote"
	case WeightedSelect:
		return "weighted_select"
	case ConfidenceSelect:
		return "confidence_select"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy is the inverse of String.
func ParseStrategy(s string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "character_vote", "vote":
		return CharacterVote, true
	case "weighted_select", "weighted":
		return WeightedSelect, true
	case "confidence_select", "confidence":
		return ConfidenceSelect, true
	default:
		return CharacterVote, false
	}
}

// Fusion methods recorded on each FusedWord.
const (
	MethodSingle           = "single"
	MethodSingleton        = "singleton"
	MethodCharacterVote    = "character_vote"
	MethodWeightedSelect   = "weighted_select"
	MethodConfidenceSelect = "confidence_select"
	MethodTertiary         = "tertiary"
)

// Options configures an Engine.
type Options struct {
	// IoUThreshold is the minimum overlap for two words to align.
	IoUThreshold float64
	Strategy     Strategy
	// LowConfidenceTrigger sends fused words below it to the tertiary engine.
	LowConfidenceTrigger float64
	// DefaultWeight applies to engine outputs that carry no weight.
	DefaultWeight float64
}

// DefaultOptions returns the balanced settings.
func DefaultOptions() Options {
	return Options{
		IoUThreshold:         0.5,
		Strategy:             CharacterVote,
		LowConfidenceTrigger: 0.40,
		DefaultWeight:        1.0,
	}
}

// Validate rejects out of range settings.
func (o Options) Validate() error {
	if o.IoUThreshold <= 0 || o.IoUThreshold > 1 {
		return errors.NewValidationError("iou_threshold", fmt.Sprintf("must be within (0,1], got %v", o.IoUThreshold))
	}
	if o.LowConfidenceTrigger < 0 || o.LowConfidenceTrigger > 1 {
		return errors.NewValidationError("low_confidence_trigger", fmt.Sprintf("must be within [0,1], got %v", o.LowConfidenceTrigger))
	}
	if o.DefaultWeight < 0 {
		return errors.NewValidationError("default_weight", fmt.Sprintf("must not be negative, got %v", o.DefaultWeight))
	}
	switch o.Strategy {
	case CharacterVote, WeightedSelect, ConfidenceSelect:
	default:
		return errors.NewValidationError("strategy", fmt.Sprintf("unknown strategy %d", int(o.Strategy)))
	}
	return nil
}

// Tertiary re-reads a single region when fusion is not confident enough.
type Tertiary interface {
	Reread(ctx context.Context, box ocr.BoundingBox) (ocr.WordResult, error)
}

// Candidate is a word together with its engine's trust weight.
type Candidate struct {
	Word   ocr.WordResult
	Weight float64
	// Engine is the index of the output the word came from.
	Engine int
}

func (c Candidate) score() float64 {
	return c.Weight * c.Word.Confidence
}

// Group is a set of aligned candidates, at most one per engine.
type Group []Candidate

// FusedWord is the resolution of one group.
type FusedWord struct {
	Text         string           `json:"text"`
	Confidence   float64          `json:"confidence"`
	Source       string           `json:"source"`
	Alternatives []string         `json:"alternatives,omitempty"`
	Method       string           `json:"fusion_method"`
	BBox         ocr.BoundingBox  `json:"bbox"`
	Language     langtag.Language `json:"-"`
	Engines      []string         `json:"engines"`
}

// Result is the fused reading of a page.
type Result struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Words      []FusedWord `json:"words"`

	// TertiaryCalls and TertiaryReplaced count tertiary engine activity.
	TertiaryCalls    int `json:"tertiary_calls"`
	TertiaryReplaced int `json:"tertiary_replaced"`
}

// Engine performs alignment and voting. It holds no per-call state.
type Engine struct {
	opts   Options
	tagger *langtag.Tagger
	logger *logging.Logger
}

// New validates opts and returns an Engine. A nil tagger or logger is
// replaced by a default.
func New(opts Options, tagger *langtag.Tagger, logger *logging.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if tagger == nil {
		tagger = langtag.New()
	}
	return &Engine{
		opts:   opts,
		tagger: tagger,
		logger: logging.OrDefault(logger, "Fusion"),
	}, nil
}

// Options returns the engine settings.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) weight(out ocr.EngineOutput) float64 {
	if out.Weight > 0 {
		return out.Weight
	}
	return e.opts.DefaultWeight
}

// Align flattens all outputs and groups words greedily: each ungrouped word
// seeds a group and claims every later ungrouped word from another engine
// whose box overlaps the seed by at least the IoU threshold. Every word ends
// up in exactly one group.
func (e *Engine) Align(outputs []ocr.EngineOutput) []Group {
	var flat []Candidate
	for i, out := range outputs {
		w := e.weight(out)
		for _, word := range out.Words {
			flat = append(flat, Candidate{Word: word, Weight: w, Engine: i})
		}
	}

	claimed := make([]bool, len(flat))
	var groups []Group
	for i := range flat {
		if claimed[i] {
			continue
		}
		claimed[i] = true
		group := Group{flat[i]}
		engines := map[int]bool{flat[i].Engine: true}
		for j := i + 1; j < len(flat); j++ {
			if claimed[j] || engines[flat[j].Engine] {
				continue
			}
			if ocr.IoU(flat[i].Word.BBox, flat[j].Word.BBox) >= e.opts.IoUThreshold {
				claimed[j] = true
				engines[flat[j].Engine] = true
				group = append(group, flat[j])
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// Fuse merges outputs into one reading. Low confidence words are offered to
// tertiary when it is non-nil; its failures leave the word as fused.
func (e *Engine) Fuse(ctx context.Context, outputs []ocr.EngineOutput, tertiary Tertiary) Result {
	active := 0
	var only ocr.EngineOutput
	for _, out := range outputs {
		if len(out.Words) > 0 {
			active++
			only = out
		}
	}

	var words []FusedWord
	switch active {
	case 0:
		return Result{Text: "", Confidence: 0, Words: []FusedWord{}}
	case 1:
		words = make([]FusedWord, 0, len(only.Words))
		for _, w := range only.Words {
			words = append(words, e.passThrough(w, MethodSingle))
		}
	default:
		groups := e.Align(outputs)
		words = make([]FusedWord, 0, len(groups))
		for _, g := range groups {
			words = append(words, e.resolve(outputs, g))
		}
	}

	result := Result{Words: words}
	if tertiary != nil {
		e.applyTertiary(ctx, &result, tertiary)
	}
	result.Text, result.Confidence = summarize(result.Words)
	return result
}

func summarize(words []FusedWord) (string, float64) {
	if len(words) == 0 {
		return "", 0
	}
	texts := make([]string, 0, len(words))
	confs := make([]float64, len(words))
	for i, w := range words {
		if w.Text != "" {
			texts = append(texts, w.Text)
		}
		confs[i] = w.Confidence
	}
	return strings.Join(texts, " "), ocr.Clamp01(stat.Mean(confs, nil))
}

func (e *Engine) passThrough(w ocr.WordResult, method string) FusedWord {
	return FusedWord{
		Text:       w.Text,
		Confidence: w.Confidence,
		Source:     w.EngineID,
		Method:     method,
		BBox:       w.BBox,
		Language:   e.tagger.TagWord(w.Text).Language,
		Engines:    []string{w.EngineID},
	}
}

func engineLabel(outputs []ocr.EngineOutput, c Candidate) string {
	if c.Word.EngineID != "" {
		return c.Word.EngineID
	}
	if c.Engine < len(outputs) {
		return outputs[c.Engine].EngineID
	}
	return ""
}

func (e *Engine) resolve(outputs []ocr.EngineOutput, g Group) FusedWord {
	if len(g) == 1 {
		fw := e.passThrough(g[0].Word, MethodSingleton)
		fw.Source = engineLabel(outputs, g[0])
		fw.Engines = []string{fw.Source}
		return fw
	}

	var fw FusedWord
	strategy := e.opts.Strategy
	if strategy == CharacterVote && e.mixedScripts(g) {
		strategy = WeightedSelect
	}
	switch strategy {
	case CharacterVote:
		fw = characterVote(g)
		fw.Source = strings.Join(labels(outputs, g), "+")
	case WeightedSelect:
		best := pick(g, Candidate.score)
		fw = FusedWord{Text: best.Word.Text, Confidence: best.Word.Confidence, Method: MethodWeightedSelect, Source: engineLabel(outputs, best)}
	case ConfidenceSelect:
		best := pick(g, func(c Candidate) float64 { return c.Word.Confidence })
		fw = FusedWord{Text: best.Word.Text, Confidence: best.Word.Confidence, Method: MethodConfidenceSelect, Source: engineLabel(outputs, best)}
	}

	for _, c := range g {
		fw.BBox = fw.BBox.Union(c.Word.BBox)
	}
	fw.Engines = labels(outputs, g)
	fw.Alternatives = alternatives(g, fw.Text)
	fw.Confidence = ocr.Clamp01(fw.Confidence)
	fw.Language = e.tagger.TagWord(fw.Text).Language
	return fw
}

// mixedScripts reports a group holding both Arabic and English readings,
// where character positions do not correspond.
func (e *Engine) mixedScripts(g Group) bool {
	var ar, en bool
	for _, c := range g {
		switch e.tagger.TagWord(c.Word.Text).Language {
		case langtag.Arabic:
			ar = true
		case langtag.English:
			en = true
		}
	}
	return ar && en
}

// characterVote accumulates weight times confidence per character at each
// index and keeps the best character. Shorter words abstain past their end.
func characterVote(g Group) FusedWord {
	texts := make([][]rune, len(g))
	longest := 0
	scores := make([]float64, len(g))
	for i, c := range g {
		texts[i] = []rune(c.Word.Text)
		if len(texts[i]) > longest {
			longest = len(texts[i])
		}
		scores[i] = c.score()
	}

	fused := make([]rune, 0, longest)
	for idx := 0; idx < longest; idx++ {
		votes := make(map[rune]float64)
		for i, t := range texts {
			if idx < len(t) {
				votes[t[idx]] += scores[i]
			}
		}
		fused = append(fused, argmax(votes))
	}

	conf := stat.Mean(scores, nil)
	if conf > 1 {
		conf = 1
	}
	return FusedWord{Text: string(fused), Confidence: conf, Method: MethodCharacterVote}
}

// argmax returns the highest voted rune; ties go to the smaller rune.
func argmax(votes map[rune]float64) rune {
	var best rune
	bestScore := -1.0
	for r, s := range votes {
		if s > bestScore || (s == bestScore && r < best) {
			best, bestScore = r, s
		}
	}
	return best
}

// pick returns the candidate with the highest key; ties keep the earlier one.
func pick(g Group, key func(Candidate) float64) Candidate {
	best := g[0]
	bestKey := key(best)
	for _, c := range g[1:] {
		if k := key(c); k > bestKey {
			best, bestKey = c, k
		}
	}
	return best
}

func labels(outputs []ocr.EngineOutput, g Group) []string {
	out := make([]string, len(g))
	for i, c := range g {
		out[i] = engineLabel(outputs, c)
	}
	return out
}

func alternatives(g Group, chosen string) []string {
	seen := map[string]bool{chosen: true}
	var out []string
	for _, c := range g {
		if seen[c.Word.Text] {
			continue
		}
		seen[c.Word.Text] = true
		out = append(out, c.Word.Text)
	}
	return out
}

func (e *Engine) applyTertiary(ctx context.Context, result *Result, tertiary Tertiary) {
	for i := range result.Words {
		fw := &result.Words[i]
		if fw.Confidence >= e.opts.LowConfidenceTrigger {
			continue
		}
		if ctx.Err() != nil {
			e.logger.Warn("Skipping tertiary re-read", "reason", ctx.Err().Error())
			return
		}
		result.TertiaryCalls++
		reread, err := tertiary.Reread(ctx, fw.BBox)
		if err != nil {
			e.logger.Warn("Tertiary re-read failed", "word", i, "error", err.Error())
			continue
		}
		text := strings.TrimSpace(reread.Text)
		if text == "" || reread.Confidence <= fw.Confidence {
			continue
		}
		e.logger.Debug("Tertiary engine replaced word",
			"word", i,
			"previous", fw.Text,
			"replacement", text,
			"confidence", reread.Confidence)
		fw.Alternatives = append(fw.Alternatives, fw.Text)
		fw.Text = text
		fw.Confidence = ocr.Clamp01(reread.Confidence)
		fw.Method = MethodTertiary
		fw.Source = reread.EngineID
		fw.Engines = append(fw.Engines, reread.EngineID)
		fw.Language = e.tagger.TagWord(text).Language
		result.TertiaryReplaced++
	}
}
