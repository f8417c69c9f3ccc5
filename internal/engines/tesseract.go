/**
 * Tesseract Engine - Offline word-level OCR
 *
 * Runs gosseract at word granularity so every word carries its own box and
 * confidence. Two instances with different language packs serve as the
 * primary ("ara+eng") and fallback ("eng") readers.
 */

package engines

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
)

var _ ocr.Engine = (*Tesseract)(nil)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	// ID defaults to "tesseract-" plus the language string.
	ID string
	// Languages in Tesseract notation, e.g. "ara+eng".
	Languages string
	// TessdataPrefix overrides the traineddata directory when set.
	TessdataPrefix string
}

// Tesseract recognizes words with a local Tesseract installation
type Tesseract struct {
	id        string
	languages []string
	tessdata  string
	logger    *logging.Logger
}

// NewTesseract creates a new Tesseract engine
func NewTesseract(cfg TesseractConfig) (*Tesseract, error) {
	langs := SplitLanguages(cfg.Languages)
	if len(langs) == 0 {
		return nil, fmt.Errorf("tesseract languages are required")
	}
	id := cfg.ID
	if id == "" {
		id = "tesseract-" + strings.Join(langs, "+")
	}
	return &Tesseract{
		id:        id,
		languages: langs,
		tessdata:  cfg.TessdataPrefix,
		logger:    logging.NewLogger("Tesseract").With("engine", id),
	}, nil
}

// ID returns the engine identifier
func (t *Tesseract) ID() string {
	return t.id
}

// Recognize reads the page image. Page.Languages, when set, replace the
// configured languages for this call.
func (t *Tesseract) Recognize(ctx context.Context, page ocr.Page) ([]ocr.WordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(page.Image) == 0 {
		return nil, fmt.Errorf("page %s has no image", page.ID)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdata != "" {
		if err := client.SetTessdataPrefix(t.tessdata); err != nil {
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}

	langs := t.languages
	if len(page.Languages) > 0 {
		langs = page.Languages
	}
	if err := client.SetLanguage(langs...); err != nil {
		return nil, fmt.Errorf("failed to set languages %v: %w", langs, err)
	}

	if err := client.SetImageFromBytes(page.Image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	// Tesseract cannot be interrupted mid-page; drop late results.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := wordsFromBoxes(t.id, boxes)
	t.logger.Debug("Page recognized", "page", page.ID, "words", len(words), "languages", strings.Join(langs, "+"))
	return words, nil
}

// wordsFromBoxes converts word-level boxes, dropping empty words and
// rescaling confidence from 0-100 to [0,1].
func wordsFromBoxes(engineID string, boxes []gosseract.BoundingBox) []ocr.WordResult {
	words := make([]ocr.WordResult, 0, len(boxes))
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		words = append(words, ocr.WordResult{
			Text:       text,
			Confidence: ocr.Clamp01(box.Confidence / 100.0),
			BBox: ocr.BoundingBox{
				X1: float64(box.Box.Min.X),
				Y1: float64(box.Box.Min.Y),
				X2: float64(box.Box.Max.X),
				Y2: float64(box.Box.Max.Y),
			},
			EngineID: engineID,
		})
	}
	return words
}

// SplitLanguages turns "ara+eng" into ["ara", "eng"].
func SplitLanguages(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' || r == ' ' }) {
		out = append(out, strings.ToLower(part))
	}
	return out
}
