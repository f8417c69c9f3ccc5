package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/processor"
)

// TaskTypeCorrectDocument is the asynq task type handled by Consumer.
const TaskTypeCorrectDocument = "correct-document"

// EnginePayload is one precomputed engine reading
type EnginePayload struct {
	EngineID string           `json:"engineId"`
	Weight   float64          `json:"weight,omitempty"`
	Words    []ocr.WordResult `json:"words"`
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID        string                 `json:"jobId"`
	DocumentID   string                 `json:"documentId,omitempty"`
	LanguageHint string                 `json:"languageHint,omitempty"`
	Image        []byte                 `json:"-"` // Will be set by custom UnmarshalJSON
	Engines      []EnginePayload        `json:"engines,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the image from either a base64 string or a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		Image interface{} `json:"image,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.Image == nil {
		return nil
	}

	switch v := aux.Image.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 image: %w", err)
		}
		p.Image = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.Image = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.Image[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("image must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes the image as base64, the format producers send.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		Image string `json:"image,omitempty"`
		Alias
	}{
		Alias: Alias(p),
	}
	if len(p.Image) > 0 {
		aux.Image = base64.StdEncoding.EncodeToString(p.Image)
	}
	return json.Marshal(aux)
}

// Validate checks the fields every job needs.
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.Image) == 0 && len(p.Engines) == 0 {
		return fmt.Errorf("job %s carries neither an image nor engine readings", p.JobID)
	}
	return nil
}

// Request converts the payload to a processor request.
func (p *JobPayload) Request() *processor.ProcessRequest {
	req := &processor.ProcessRequest{
		JobID:        p.JobID,
		DocumentID:   p.DocumentID,
		LanguageHint: p.LanguageHint,
		Image:        p.Image,
		Metadata:     p.Metadata,
	}
	for _, e := range p.Engines {
		req.Engines = append(req.Engines, processor.EngineInput{
			EngineID: e.EngineID,
			Weight:   e.Weight,
			Words:    e.Words,
		})
	}
	return req
}

// completionMetadata is the status metadata recorded for a finished job.
func completionMetadata(result *processor.ProcessResult) map[string]interface{} {
	return map[string]interface{}{
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTimeMs,
		"resultId":       result.ResultID,
		"documentId":     result.DocumentID,
		"engineUsed":     result.EngineUsed,
		"language":       result.Language,
		"corrections":    result.Corrections,
		"lowConfidence":  result.LowConfidence,
	}
}
