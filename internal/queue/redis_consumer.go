/**
 * Direct Redis Queue Consumer for the OCR Fusion Worker
 *
 * Compatible with the TypeScript RedisQueue producer: job IDs are pushed to
 * a LIST, job bodies live in the "<queue>:data" hash, and status is tracked
 * in "<queue>:processing|completed|failed" sets with events published on
 * "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // Processing timeout in milliseconds (default: 120000 = 2 minutes)
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "ocrfusion:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg), nil
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) *RedisConsumer {
	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.OrDefault(cfg.Logger, "RedisConsumer").With("queue", cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    cancel,
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Push stores a job and queues its ID, the same way the producer does.
func (c *RedisConsumer) Push(ctx context.Context, payload *JobPayload, maxRetries int) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeCorrectDocument,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", job.ID, err)
	}
	return nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Warn("Worker error", "worker", id, "error", err.Error())
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		payloadErr := errors.NewInvalidPayloadError(jobID, err)
		c.updateJobStatus(jobID, "failed", payloadErr.ToMap())
		return payloadErr
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Validate(); err != nil {
		payloadErr := errors.NewInvalidPayloadError(job.Payload.JobID, err)
		c.updateJobStatus(job.Payload.JobID, "failed", payloadErr.ToMap())
		return payloadErr
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	c.logger.Info("Processing job", "job", job.Payload.JobID, "attempt", job.Attempts+1)

	processResult, err := c.processJob(&job)
	if err != nil {
		c.logger.Warn("Job failed", "job", job.Payload.JobID, "error", err.Error())

		job.Attempts++
		retryable := !stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorInvalidPayload})
		if retryable && job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			c.logger.Info("Job re-queued for retry", "job", job.Payload.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		} else {
			c.updateJobStatus(job.Payload.JobID, "failed", failureMetadata(err, job.Attempts))
		}
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, "completed", processResult)
	c.logger.Info("Job completed", "job", job.Payload.JobID, "confidence", fmt.Sprintf("%.2f", processResult.Confidence))
	return nil
}

func failureMetadata(err error, attempts int) map[string]interface{} {
	meta := map[string]interface{}{
		"error":    err.Error(),
		"attempts": attempts,
	}
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		for k, v := range pe.ToMap() {
			meta[k] = v
		}
		meta["error"] = err.Error()
	}
	return meta
}

// processJob runs one job under the processing timeout
func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.ProcessResult, error) {
	startTime := time.Now()

	timeout := 120 * time.Second
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(ctx, job.Payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.logger.Error("Processing timed out", "job", job.Payload.JobID, "duration", duration.String(), "timeout", timeout.String())
			return nil, errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}

	c.logger.Debug("Processing finished", "job", job.Payload.JobID, "duration", duration.String())
	return result, nil
}

// updateJobStatus records status in Redis and through the processor, then
// publishes an event.
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	switch status {
	case "processing":
		c.client.SAdd(c.ctx, c.key("processing"), jobID)
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, 0, nil); err != nil {
			c.logger.Warn("Failed to persist processing status", "job", jobID, "error", err.Error())
		}

	case "completed":
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("completed"), jobID)
		var meta map[string]interface{}
		if processResult, ok := result.(*processor.ProcessResult); ok {
			meta = completionMetadata(processResult)
			resultData, _ := json.Marshal(meta)
			c.client.HSet(c.ctx, c.key("results"), jobID, resultData)
		}
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, 100, meta); err != nil {
			c.logger.Warn("Failed to persist completed status", "job", jobID, "error", err.Error())
		}

	case "failed":
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("failed"), jobID)
		meta, _ := result.(map[string]interface{})
		if meta != nil {
			errorData, _ := json.Marshal(meta)
			c.client.HSet(c.ctx, c.key("errors"), jobID, errorData)
		}
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, 100, meta); err != nil {
			c.logger.Warn("Failed to persist failed status", "job", jobID, "error", err.Error())
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
