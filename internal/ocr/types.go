/**
 * OCR Types - Shared data structures for engine output
 *
 * Every engine (Tesseract, vision model, precomputed payload) is reduced to a
 * list of WordResult records; fusion, correction and scoring only ever see
 * these types.
 */

package ocr

import (
	"context"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// BoundingBox is an axis-aligned word box in page pixel coordinates,
// (X1,Y1) upper-left and (X2,Y2) lower-right.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// WordResult is a single recognized word as reported by one engine.
// Consumers never mutate it.
type WordResult struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	EngineID   string      `json:"engineId"`
}

// EngineOutput groups the words of one engine with its configured trust weight.
type EngineOutput struct {
	EngineID string       `json:"engineId"`
	Weight   float64      `json:"weight"`
	Words    []WordResult `json:"words"`
}

// Page is the unit of work handed to an engine.
type Page struct {
	ID        string
	Image     []byte
	Languages []string
	Metadata  map[string]string
}

// Engine recognizes the words on a page.
type Engine interface {
	ID() string
	Recognize(ctx context.Context, page Page) ([]WordResult, error)
}

// RegionEngine can additionally re-read a single region of a page. Vision
// models are used this way for low-confidence words.
type RegionEngine interface {
	Engine
	RecognizeRegion(ctx context.Context, page Page, box BoundingBox) (WordResult, error)
}

// JoinText joins word texts with single spaces, skipping empty words.
func JoinText(words []WordResult) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if t := strings.TrimSpace(w.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// MeanConfidence returns the mean word confidence, 0 for no words.
func MeanConfidence(words []WordResult) float64 {
	if len(words) == 0 {
		return 0
	}
	confs := make([]float64, len(words))
	for i, w := range words {
		confs[i] = Clamp01(w.Confidence)
	}
	return stat.Mean(confs, nil)
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
