package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/processor"
)

type statusCall struct {
	jobID    string
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	mu       sync.Mutex
	calls    []statusCall
	requests []*processor.ProcessRequest
	err      error
	block    bool
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &processor.ProcessResult{JobID: req.JobID, DocumentID: "doc", ResultID: "r-1", Confidence: 0.9, EngineUsed: "tess"}, nil
}

func (f *fakeProcessor) UpdateJobStatus(_ context.Context, jobID, status string, _ int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{jobID: jobID, status: status, metadata: metadata})
	return nil
}

func (f *fakeProcessor) last() statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testConsumer(p processor.DocumentProcessorInterface, timeoutMs int64) *Consumer {
	return &Consumer{
		processor: p,
		config:    &ConsumerConfig{QueueName: "test", ProcessingTimeout: timeoutMs},
		logger:    logging.NewLogger("test"),
	}
}

func TestPayloadDecodesBase64Image(t *testing.T) {
	raw := `{
		"jobId": "job-1",
		"documentId": "doc-1",
		"languageHint": "ar",
		"image": "aW1n",
		"engines": [{"engineId": "a", "weight": 0.8, "words": [{"text": "كتاب", "confidence": 0.7, "bbox": {"x1": 0, "y1": 0, "x2": 10, "y2": 5}}]}]
	}`
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, []byte("img"), p.Image)
	assert.Equal(t, "ar", p.LanguageHint)
	require.Len(t, p.Engines, 1)
	assert.Equal(t, "كتاب", p.Engines[0].Words[0].Text)
	assert.Equal(t, 10.0, p.Engines[0].Words[0].BBox.X2)

	req := p.Request()
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, "doc-1", req.DocumentID)
	require.Len(t, req.Engines, 1)
	assert.Equal(t, 0.8, req.Engines[0].Weight)
}

func TestPayloadDecodesBufferObject(t *testing.T) {
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j","image":{"type":"Buffer","data":[105,109,103]}}`), &p))
	assert.Equal(t, []byte("img"), p.Image)
}

func TestPayloadRejectsBadImages(t *testing.T) {
	for name, raw := range map[string]string{
		"bad base64":    `{"jobId":"j","image":"!!!"}`,
		"wrong type":    `{"jobId":"j","image":{"type":"Blob","data":[1]}}`,
		"no data":       `{"jobId":"j","image":{"type":"Buffer"}}`,
		"bad byte":      `{"jobId":"j","image":{"type":"Buffer","data":[300]}}`,
		"number":        `{"jobId":"j","image":42}`,
		"not an object": `[1,2]`,
	} {
		var p JobPayload
		assert.Error(t, json.Unmarshal([]byte(raw), &p), name)
	}
}

func TestPayloadMarshalsImageAsBase64(t *testing.T) {
	data, err := json.Marshal(&JobPayload{JobID: "j", Image: []byte("img")})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "aW1n", raw["image"])
	assert.Equal(t, "j", raw["jobId"])

	var back JobPayload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []byte("img"), back.Image)
}

func TestPayloadValidate(t *testing.T) {
	assert.Error(t, (&JobPayload{}).Validate())
	assert.Error(t, (&JobPayload{JobID: "j"}).Validate())
	assert.NoError(t, (&JobPayload{JobID: "j", Image: []byte{1}}).Validate())
	assert.NoError(t, (&JobPayload{JobID: "j", Engines: []EnginePayload{{EngineID: "a"}}}).Validate())
}

func TestNewTask(t *testing.T) {
	task, err := NewTask(&JobPayload{JobID: "j", Image: []byte("img")})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeCorrectDocument, task.Type())

	var back JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, "j", back.JobID)

	_, err = NewTask(&JobPayload{})
	assert.Error(t, err)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, retryDelay(2, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(10, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(70, nil, nil))
}

func TestHandleCorrectDocumentSuccess(t *testing.T) {
	fp := &fakeProcessor{}
	c := testConsumer(fp, 0)

	task, err := NewTask(&JobPayload{JobID: "job-1", Image: []byte("img")})
	require.NoError(t, err)
	require.NoError(t, c.handleCorrectDocument(context.Background(), task))

	require.Len(t, fp.requests, 1)
	assert.Equal(t, []byte("img"), fp.requests[0].Image)
	done := fp.last()
	assert.Equal(t, "completed", done.status)
	assert.Equal(t, "r-1", done.metadata["resultId"])
	assert.Equal(t, 0.9, done.metadata["confidence"])
}

func TestHandleCorrectDocumentBadPayloadSkipsRetry(t *testing.T) {
	fp := &fakeProcessor{}
	c := testConsumer(fp, 0)

	err := c.handleCorrectDocument(context.Background(), asynq.NewTask(TaskTypeCorrectDocument, []byte(`{`)))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))

	err = c.handleCorrectDocument(context.Background(), asynq.NewTask(TaskTypeCorrectDocument, []byte(`{"jobId":"job-2"}`)))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "failed", fp.last().status)
	assert.Empty(t, fp.requests)
}

func TestHandleCorrectDocumentFailureRetries(t *testing.T) {
	fp := &fakeProcessor{err: errors.NewOCRFailedError("job-3", "tess", fmt.Errorf("boom"))}
	c := testConsumer(fp, 0)

	task, _ := NewTask(&JobPayload{JobID: "job-3", Image: []byte{1}})
	err := c.handleCorrectDocument(context.Background(), task)
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "failed", fp.last().status)
}

func TestHandleCorrectDocumentTimeout(t *testing.T) {
	fp := &fakeProcessor{block: true}
	c := testConsumer(fp, 20)

	task, _ := NewTask(&JobPayload{JobID: "job-4", Image: []byte{1}})
	err := c.handleCorrectDocument(context.Background(), task)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorProcessingTimeout}))

	failed := fp.last()
	assert.Equal(t, "failed", failed.status)
	assert.Equal(t, "PROCESSING_TIMEOUT", failed.metadata["error_code"])
}

func TestFailureMetadata(t *testing.T) {
	meta := failureMetadata(errors.NewOCRFailedError("j", "tess", fmt.Errorf("boom")), 3)
	assert.Equal(t, 3, meta["attempts"])
	assert.Equal(t, "OCR_FAILED", meta["error_code"])
	assert.Equal(t, "tess", meta["engine"])

	plain := failureMetadata(fmt.Errorf("plain"), 1)
	assert.Equal(t, "plain", plain["error"])
	assert.NotContains(t, plain, "error_code")
}

// TestRedisConsumerRoundTrip runs against a real Redis when TEST_REDIS_URL is set.
func TestRedisConsumerRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)

	queueName := fmt.Sprintf("ocrfusion:test:%d", time.Now().UnixNano())
	fp := &fakeProcessor{}
	c := newRedisConsumer(client, &RedisConsumerConfig{QueueName: queueName, Concurrency: 1, Processor: fp})
	defer func() {
		client.Del(context.Background(), queueName, c.key("data"), c.key("processing"), c.key("completed"), c.key("failed"), c.key("results"), c.key("errors"))
	}()

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, &JobPayload{JobID: "job-r1", Image: []byte("img")}, 2))
	require.NoError(t, c.processNextJob())

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["waiting"])
	assert.Equal(t, int64(1), stats["completed"])

	stored, err := client.HGet(ctx, c.key("results"), "job-r1").Result()
	require.NoError(t, err)
	assert.Contains(t, stored, "r-1")
}
