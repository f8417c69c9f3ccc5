/**
 * Vision Engine - Remote vision model used as the tertiary reader
 *
 * Talks to a vision service over HTTP. A full page read returns word boxes;
 * a region read returns the text inside one box and is what fusion calls for
 * low-confidence words. Calls are rate limited because the service is shared
 * and billed per request.
 */

package engines

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
)

const (
	wordsEndpoint  = "/api/internal/vision/extract-words"
	regionEndpoint = "/api/internal/vision/extract-text"
)

var _ ocr.RegionEngine = (*Vision)(nil)

// VisionConfig holds vision service configuration
type VisionConfig struct {
	BaseURL string
	// ID defaults to "vision".
	ID string
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	// Burst defaults to 1.
	Burst      int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Vision handles communication with the vision service
type Vision struct {
	id         string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// visionRequest represents a request to read a page or a region of it
type visionRequest struct {
	Image     string           `json:"image"`  // Base64 encoded image
	Format    string           `json:"format"` // always "base64"
	Language  string           `json:"language,omitempty"`
	Region    *ocr.BoundingBox `json:"region,omitempty"`
	JobID     string           `json:"jobId,omitempty"`
	Granular  string           `json:"granularity"` // "word" or "region"
	Timestamp int64            `json:"timestamp"`
}

// visionResponse represents the service envelope
type visionResponse struct {
	Success bool       `json:"success"`
	Data    visionData `json:"data"`
	Message string     `json:"message"`
}

type visionData struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	ModelUsed  string       `json:"modelUsed"`
	Words      []visionWord `json:"words"`
}

type visionWord struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	BBox       ocr.BoundingBox `json:"bbox"`
}

// NewVision creates a new vision engine
func NewVision(cfg VisionConfig) (*Vision, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vision base URL is required")
	}
	id := cfg.ID
	if id == "" {
		id = "vision"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second // Vision tasks can take time
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Vision{
		id:         id,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: client,
		limiter:    limiter,
		logger:     logging.NewLogger("VisionEngine"),
	}, nil
}

// ID returns the engine identifier
func (v *Vision) ID() string {
	return v.id
}

// Recognize reads every word on the page.
func (v *Vision) Recognize(ctx context.Context, page ocr.Page) ([]ocr.WordResult, error) {
	resp, err := v.call(ctx, wordsEndpoint, page, nil)
	if err != nil {
		return nil, err
	}
	words := make([]ocr.WordResult, 0, len(resp.Data.Words))
	for _, w := range resp.Data.Words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		words = append(words, ocr.WordResult{
			Text:       text,
			Confidence: ocr.Clamp01(w.Confidence),
			BBox:       w.BBox,
			EngineID:   v.id,
		})
	}
	v.logger.Info("Page read complete", "page", page.ID, "modelUsed", resp.Data.ModelUsed, "words", len(words))
	return words, nil
}

// RecognizeRegion reads the text inside box. The returned word carries box
// unchanged.
func (v *Vision) RecognizeRegion(ctx context.Context, page ocr.Page, box ocr.BoundingBox) (ocr.WordResult, error) {
	resp, err := v.call(ctx, regionEndpoint, page, &box)
	if err != nil {
		return ocr.WordResult{}, err
	}
	v.logger.Debug("Region read complete",
		"page", page.ID,
		"modelUsed", resp.Data.ModelUsed,
		"confidence", resp.Data.Confidence)
	return ocr.WordResult{
		Text:       strings.TrimSpace(resp.Data.Text),
		Confidence: ocr.Clamp01(resp.Data.Confidence),
		BBox:       box,
		EngineID:   v.id,
	}, nil
}

func (v *Vision) call(ctx context.Context, path string, page ocr.Page, region *ocr.BoundingBox) (*visionResponse, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("vision rate limiter: %w", err)
	}

	granularity := "word"
	if region != nil {
		granularity = "region"
	}
	req := visionRequest{
		Image:     base64.StdEncoding.EncodeToString(page.Image),
		Format:    "base64",
		Language:  strings.Join(page.Languages, "+"),
		Region:    region,
		JobID:     page.ID,
		Granular:  granularity,
		Timestamp: time.Now().Unix(),
	}

	// Marshal request
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "ocrfusion-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var out visionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("vision operation failed: %s", out.Message)
	}
	return &out, nil
}
