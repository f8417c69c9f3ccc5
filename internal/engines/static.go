package engines

import (
	"context"

	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
)

var _ ocr.RegionEngine = (*Static)(nil)

// Static replays words recognized upstream, typically carried in the job
// payload. It also answers region reads from the same words, so a payload
// can supply a tertiary reading.
type Static struct {
	id    string
	words []ocr.WordResult
}

// NewStatic copies words and stamps them with id.
func NewStatic(id string, words []ocr.WordResult) *Static {
	own := make([]ocr.WordResult, len(words))
	for i, w := range words {
		w.EngineID = id
		own[i] = w
	}
	return &Static{id: id, words: own}
}

// ID returns the engine identifier
func (s *Static) ID() string {
	return s.id
}

// Recognize returns a copy of the stored words.
func (s *Static) Recognize(ctx context.Context, _ ocr.Page) ([]ocr.WordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ocr.WordResult, len(s.words))
	copy(out, s.words)
	return out, nil
}

// RecognizeRegion returns the stored word overlapping box the most. No
// overlap yields an empty word, which fusion treats as no answer.
func (s *Static) RecognizeRegion(ctx context.Context, _ ocr.Page, box ocr.BoundingBox) (ocr.WordResult, error) {
	if err := ctx.Err(); err != nil {
		return ocr.WordResult{}, err
	}
	best, bestIoU := -1, 0.0
	for i, w := range s.words {
		if iou := ocr.IoU(w.BBox, box); iou > bestIoU {
			best, bestIoU = i, iou
		}
	}
	if best < 0 {
		return ocr.WordResult{BBox: box, EngineID: s.id}, nil
	}
	return s.words[best], nil
}
