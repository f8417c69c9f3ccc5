package fusion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
)

func box(x1, y1, x2, y2 float64) ocr.BoundingBox {
	return ocr.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func word(engine, text string, conf float64, b ocr.BoundingBox) ocr.WordResult {
	return ocr.WordResult{Text: text, Confidence: conf, BBox: b, EngineID: engine}
}

func newEngine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts, nil, nil)
	require.NoError(t, err)
	return e
}

type stubTertiary struct {
	word  ocr.WordResult
	err   error
	calls []ocr.BoundingBox
}

func (s *stubTertiary) Reread(_ context.Context, b ocr.BoundingBox) (ocr.WordResult, error) {
	s.calls = append(s.calls, b)
	return s.word, s.err
}

func TestFuseEmptyInput(t *testing.T) {
	e := newEngine(t, nil)
	for _, outputs := range [][]ocr.EngineOutput{
		nil,
		{{EngineID: "a", Weight: 1}, {EngineID: "b", Weight: 0.6}},
	} {
		got := e.Fuse(context.Background(), outputs, nil)
		assert.Equal(t, Result{Text: "", Confidence: 0, Words: []FusedWord{}}, got)
	}
}

func TestFuseSingleEngineIsUntouched(t *testing.T) {
	e := newEngine(t, nil)
	words := []ocr.WordResult{
		word("tess", "total", 0.82, box(0, 0, 50, 10)),
		word("tess", "42", 0.31, box(60, 0, 80, 10)),
	}
	got := e.Fuse(context.Background(), []ocr.EngineOutput{
		{EngineID: "tess", Weight: 0.7, Words: words},
		{EngineID: "vision", Weight: 1},
	}, nil)

	require.Len(t, got.Words, 2)
	for i, fw := range got.Words {
		assert.Equal(t, MethodSingle, fw.Method)
		assert.Equal(t, words[i].Text, fw.Text)
		assert.Equal(t, words[i].Confidence, fw.Confidence)
		assert.Equal(t, words[i].BBox, fw.BBox)
	}
	assert.Equal(t, "total 42", got.Text)
	assert.InDelta(t, (0.82+0.31)/2, got.Confidence, 1e-9)
}

func overlapping() (ocr.BoundingBox, ocr.BoundingBox) {
	// IoU = 90/100
	a := box(0, 0, 100, 10)
	b := box(0, 0, 90, 10)
	return a, b
}

func TestCharacterVoteHom3(t *testing.T) {
	a, b := overlapping()
	require.InDelta(t, 0.9, ocr.IoU(a, b), 1e-9)

	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1.0, Words: []ocr.WordResult{word("A", "hom3", 0.9, a)}},
		{EngineID: "B", Weight: 0.6, Words: []ocr.WordResult{word("B", "home", 0.7, b)}},
	}
	e := newEngine(t, nil)
	got := e.Fuse(context.Background(), outputs, nil)
	require.Len(t, got.Words, 1)

	// position 4: '3' collects 1.0*0.9 = 0.90, 'e' collects 0.6*0.7 = 0.42
	scoreThree := 1.0 * 0.9
	scoreE := 0.6 * 0.7
	require.Greater(t, scoreThree, scoreE)

	fw := got.Words[0]
	assert.Equal(t, "hom3", fw.Text)
	assert.Equal(t, MethodCharacterVote, fw.Method)
	assert.InDelta(t, (scoreThree+scoreE)/2, fw.Confidence, 1e-9)
	assert.Equal(t, []string{"home"}, fw.Alternatives)
	assert.Equal(t, "A+B", fw.Source)
	assert.Equal(t, a.Union(b), fw.BBox)

	// a third engine agreeing with B tips the last character
	c := box(0, 0, 95, 10)
	outputs = append(outputs, ocr.EngineOutput{EngineID: "C", Weight: 0.8, Words: []ocr.WordResult{word("C", "home", 0.8, c)}})
	got = e.Fuse(context.Background(), outputs, nil)
	require.Len(t, got.Words, 1)
	scoreE += 0.8 * 0.8
	require.Greater(t, scoreE, scoreThree)
	assert.Equal(t, "home", got.Words[0].Text)
	assert.InDelta(t, (0.9+0.42+0.64)/3, got.Words[0].Confidence, 1e-9)
}

func TestCharacterVoteShorterWordsAbstain(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 0.5, Words: []ocr.WordResult{word("A", "tota", 0.9, a)}},
		{EngineID: "B", Weight: 0.5, Words: []ocr.WordResult{word("B", "total", 0.4, b)}},
	}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, nil)
	require.Len(t, got.Words, 1)
	assert.Equal(t, "total", got.Words[0].Text)
}

func TestCharacterVoteTieTakesSmallerRune(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1, Words: []ocr.WordResult{word("A", "cat", 0.5, a)}},
		{EngineID: "B", Weight: 1, Words: []ocr.WordResult{word("B", "bat", 0.5, b)}},
	}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, nil)
	assert.Equal(t, "bat", got.Words[0].Text)
}

func TestCharacterVoteConfidenceCapped(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 2, Words: []ocr.WordResult{word("A", "net", 0.9, a)}},
		{EngineID: "B", Weight: 2, Words: []ocr.WordResult{word("B", "net", 0.8, b)}},
	}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, nil)
	assert.Equal(t, 1.0, got.Words[0].Confidence)
}

func TestSelectStrategies(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1.0, Words: []ocr.WordResult{word("A", "amount", 0.6, a)}},
		{EngineID: "B", Weight: 0.5, Words: []ocr.WordResult{word("B", "arnount", 0.9, b)}},
	}

	weighted := newEngine(t, func(o *Options) { o.Strategy = WeightedSelect }).Fuse(context.Background(), outputs, nil)
	assert.Equal(t, "amount", weighted.Words[0].Text)
	assert.Equal(t, 0.6, weighted.Words[0].Confidence)
	assert.Equal(t, MethodWeightedSelect, weighted.Words[0].Method)
	assert.Equal(t, "A", weighted.Words[0].Source)

	byConf := newEngine(t, func(o *Options) { o.Strategy = ConfidenceSelect }).Fuse(context.Background(), outputs, nil)
	assert.Equal(t, "arnount", byConf.Words[0].Text)
	assert.Equal(t, 0.9, byConf.Words[0].Confidence)
	assert.Equal(t, MethodConfidenceSelect, byConf.Words[0].Method)
}

func TestMixedScriptGroupFallsBackToWeightedSelect(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1.0, Words: []ocr.WordResult{word("A", "رقم", 0.8, a)}},
		{EngineID: "B", Weight: 1.0, Words: []ocr.WordResult{word("B", "pgi", 0.5, b)}},
	}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, nil)
	require.Len(t, got.Words, 1)
	assert.Equal(t, "رقم", got.Words[0].Text)
	assert.Equal(t, MethodWeightedSelect, got.Words[0].Method)
}

func TestAlignPartitionsAllWords(t *testing.T) {
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1, Words: []ocr.WordResult{
			word("A", "one", 0.9, box(0, 0, 30, 10)),
			word("A", "two", 0.9, box(40, 0, 70, 10)),
			word("A", "three", 0.9, box(80, 0, 130, 10)),
		}},
		{EngineID: "B", Weight: 1, Words: []ocr.WordResult{
			word("B", "0ne", 0.7, box(1, 0, 30, 10)),
			word("B", "tw0", 0.7, box(41, 0, 70, 10)),
			word("B", "extra", 0.7, box(200, 0, 240, 10)),
			// overlaps "two" but B already contributed there
			word("B", "tvvo", 0.7, box(40, 0, 70, 10)),
		}},
	}
	e := newEngine(t, nil)
	groups := e.Align(outputs)

	seen := make(map[string]int)
	total := 0
	for _, g := range groups {
		engines := make(map[int]bool)
		for _, c := range g {
			seen[fmt.Sprintf("%d/%s", c.Engine, c.Word.Text)]++
			assert.False(t, engines[c.Engine], "engine contributes twice")
			engines[c.Engine] = true
			total++
		}
	}
	assert.Equal(t, 7, total)
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
	require.Len(t, groups, 5)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)

	got := e.Fuse(context.Background(), outputs, nil)
	assert.Equal(t, MethodSingleton, got.Words[2].Method)
	assert.Equal(t, "three", got.Words[2].Text)
	assert.Equal(t, 0.9, got.Words[2].Confidence)
}

func TestIoUBelowThresholdDoesNotAlign(t *testing.T) {
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 1, Words: []ocr.WordResult{word("A", "left", 0.9, box(0, 0, 10, 10))}},
		{EngineID: "B", Weight: 1, Words: []ocr.WordResult{word("B", "lef1", 0.9, box(5, 0, 15, 10))}},
	}
	groups := newEngine(t, nil).Align(outputs)
	assert.Len(t, groups, 2)
}

func TestTertiaryReplacesLowConfidenceWords(t *testing.T) {
	a, b := overlapping()
	outputs := []ocr.EngineOutput{
		{EngineID: "A", Weight: 0.5, Words: []ocr.WordResult{word("A", "rnonth", 0.5, a), word("A", "day", 0.95, box(200, 0, 230, 10))}},
		{EngineID: "B", Weight: 0.5, Words: []ocr.WordResult{word("B", "month", 0.3, b), word("B", "day", 0.9, box(200, 0, 230, 10))}},
	}
	tertiary := &stubTertiary{word: word("vision", "month", 0.93, a)}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, tertiary)

	require.Len(t, tertiary.calls, 1)
	assert.Equal(t, a.Union(b), tertiary.calls[0])
	assert.Equal(t, "month day", got.Text)
	assert.Equal(t, MethodTertiary, got.Words[0].Method)
	assert.Equal(t, "vision", got.Words[0].Source)
	assert.Equal(t, 1, got.TertiaryCalls)
	assert.Equal(t, 1, got.TertiaryReplaced)
}

func TestTertiaryFailureKeepsFusedWord(t *testing.T) {
	words := []ocr.WordResult{word("A", "blur", 0.2, box(0, 0, 10, 10))}
	outputs := []ocr.EngineOutput{{EngineID: "A", Weight: 1, Words: words}}

	failing := &stubTertiary{err: fmt.Errorf("vision unavailable")}
	got := newEngine(t, nil).Fuse(context.Background(), outputs, failing)
	assert.Equal(t, "blur", got.Text)
	assert.Equal(t, MethodSingle, got.Words[0].Method)

	weaker := &stubTertiary{word: word("vision", "blue", 0.1, box(0, 0, 10, 10))}
	got = newEngine(t, nil).Fuse(context.Background(), outputs, weaker)
	assert.Equal(t, "blur", got.Text)
	assert.Equal(t, 0, got.TertiaryReplaced)
	assert.Equal(t, 1, got.TertiaryCalls)
}

func TestOptionsValidate(t *testing.T) {
	bad := []func(*Options){
		func(o *Options) { o.IoUThreshold = 0 },
		func(o *Options) { o.IoUThreshold = 1.2 },
		func(o *Options) { o.LowConfidenceTrigger = -0.1 },
		func(o *Options) { o.DefaultWeight = -1 },
		func(o *Options) { o.Strategy = Strategy(9) },
	}
	for i, mutate := range bad {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := New(opts, nil, nil)
		assert.Error(t, err, "case %d", i)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{CharacterVote, WeightedSelect, ConfidenceSelect} {
		got, ok := ParseStrategy(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseStrategy("majority")
	assert.False(t, ok)
}
