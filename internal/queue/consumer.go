/**
 * Queue Consumer for the OCR Fusion Worker
 *
 * Consumes correction jobs from Redis using Asynq.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // Processing timeout in milliseconds (default: 120000 = 2 minutes)
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.OrDefault(cfg.Logger, "AsynqConsumer")

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "payloadBytes", len(task.Payload()), "error", err.Error())
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskTypeCorrectDocument, consumer.handleCorrectDocument)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// NewTask builds a correction task for payload.
func NewTask(payload *JobPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeCorrectDocument, data), nil
}

// Enqueue submits payload to queue using client.
func Enqueue(ctx context.Context, client *asynq.Client, queue string, payload *JobPayload, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	task, err := NewTask(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(queue), asynq.TaskID(payload.JobID)}, opts...)
	info, err := client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// Enqueue submits payload to the consumer's own queue.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	return Enqueue(ctx, c.client, c.config.QueueName, payload)
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleCorrectDocument processes one correction job
func (c *Consumer) handleCorrectDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		payloadErr := errors.NewInvalidPayloadError("", err)
		return fmt.Errorf("%v: %w", payloadErr, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		payloadErr := errors.NewInvalidPayloadError(job.JobID, err)
		if job.JobID != "" {
			c.markFailed(ctx, job.JobID, payloadErr.ToMap())
		}
		return fmt.Errorf("%v: %w", payloadErr, asynq.SkipRetry)
	}

	logger := c.logger.With("job", job.JobID)
	logger.Info("Processing document", "engines", len(job.Engines), "imageBytes", len(job.Image), "languageHint", job.LanguageHint)

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "processing", 0, nil); err != nil {
		logger.Warn("Failed to update status to processing", "error", err.Error())
	}

	timeout := c.timeout()
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, job.Request())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			logger.Error("Processing timed out", "duration", duration.String(), "timeout", timeout.String())
			timeoutErr := errors.NewProcessingTimeoutError(job.JobID, timeout, err)
			c.markFailed(ctx, job.JobID, timeoutErr.ToMap())
			return fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		logger.Error("Processing failed", "duration", duration.String(), "error", err.Error())
		c.markFailed(ctx, job.JobID, map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		})

		if stderrors.Is(err, &errors.ProcessingError{Code: errors.ErrorInvalidPayload}) {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	logger.Info("Processing completed",
		"duration", duration.String(),
		"confidence", fmt.Sprintf("%.2f", result.Confidence),
		"engineUsed", result.EngineUsed,
		"resultId", result.ResultID)

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "completed", 100, completionMetadata(result)); err != nil {
		logger.Warn("Failed to update status to completed", "error", err.Error())
	}

	return nil
}

func (c *Consumer) timeout() time.Duration {
	if c.config.ProcessingTimeout > 0 {
		return time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}
	return 120 * time.Second
}

func (c *Consumer) markFailed(ctx context.Context, jobID string, metadata map[string]interface{}) {
	if err := c.processor.UpdateJobStatus(ctx, jobID, "failed", 100, metadata); err != nil {
		c.logger.Warn("Failed to update status to failed", "job", jobID, "error", err.Error())
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"taskType":    TaskTypeCorrectDocument,
	}
}
