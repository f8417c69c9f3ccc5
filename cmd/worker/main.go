/**
 * OCR Fusion Worker - Main Entry Point
 *
 * Go worker for bilingual Arabic/English OCR correction.
 *
 * Architecture:
 * - Asynq or plain Redis LIST consumer for the job queue
 * - Six-stage correction pipeline: initial OCR, language detection,
 *   engine selection, fallback reprocessing with fusion, post-process
 *   correction, confidence scoring
 * - Tesseract primary ("ara+eng") and fallback ("eng") readers, optional
 *   vision model as tertiary reader for low-confidence words
 * - PostgreSQL persistence for results and stage traces
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocrfusion-worker/internal/config"
	"github.com/adverant/nexus/ocrfusion-worker/internal/engines"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ocr"
	"github.com/adverant/nexus/ocrfusion-worker/internal/processor"
	"github.com/adverant/nexus/ocrfusion-worker/internal/queue"
	"github.com/adverant/nexus/ocrfusion-worker/internal/storage"
)

type consumer interface {
	Stop() error
}

// asynqConsumer adapts queue.Consumer to the consumer interface.
type asynqConsumer struct {
	*queue.Consumer
}

func (a asynqConsumer) Stop() error {
	return a.Consumer.Stop(context.Background())
}

func main() {
	logger := logging.NewLogger("Main")

	if err := godotenv.Load(".env.ocrfusion"); err != nil {
		logger.Warn(".env.ocrfusion not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err.Error())
		os.Exit(1)
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)

	mode, ok := config.LookupMode(cfg.CorrectionMode)
	if !ok {
		logger.Warn("Unknown correction mode, using balanced", "mode", cfg.CorrectionMode)
		mode = config.ModeByName(config.ModeBalanced)
	}

	logger.Info("OCR Fusion Worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"mode", mode.Name,
		"persistence", cfg.DatabaseURL != "",
		"vision", cfg.VisionURL != "")

	var (
		store *storage.PostgresClient
		rs    processor.ResultStore
	)
	if cfg.DatabaseURL != "" {
		store, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err.Error())
			os.Exit(1)
		}
		defer store.Close()

		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = store.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logger.Error("Failed to prepare schema", "error", err.Error())
			os.Exit(1)
		}
		rs = store
		logger.Info("PostgreSQL connected")
	}

	primary, fallback := buildTesseract(cfg, logger)

	var tertiary ocr.RegionEngine
	if cfg.VisionURL != "" {
		vision, err := engines.NewVision(engines.VisionConfig{
			BaseURL:   cfg.VisionURL,
			RateLimit: cfg.VisionRateLimit,
		})
		if err != nil {
			logger.Error("Failed to create vision engine", "error", err.Error())
			os.Exit(1)
		}
		tertiary = vision
	}

	models := processor.LoadModels(processor.ModelPaths{
		NGramArabic:        cfg.NGramArabicPath,
		NGramEnglish:       cfg.NGramEnglishPath,
		ConfusionOverrides: cfg.ConfusionOverridesPath,
	}, logging.NewLogger("Models"))

	procCfg := &processor.ProcessorConfig{
		Mode:     mode,
		Models:   models,
		Store:    rs,
		Tertiary: tertiary,
		Timeout:  time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
	}
	// Assigning nil *Tesseract values would produce non-nil interfaces.
	if primary != nil {
		procCfg.Primary = primary
	}
	if fallback != nil {
		procCfg.Fallback = fallback
	}
	proc, err := processor.NewCorrectionProcessor(procCfg)
	if err != nil {
		logger.Error("Failed to initialize correction processor", "error", err.Error())
		os.Exit(1)
	}

	qc, err := startConsumer(cfg, proc)
	if err != nil {
		logger.Error("Failed to start queue consumer", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("Worker is ready, waiting for jobs", "queue", cfg.QueueName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("Initiating graceful shutdown", "signal", sig.String())

	if err := qc.Stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err.Error())
	}

	if store != nil {
		if err := healthCheck(store); err != nil {
			logger.Warn("Database unhealthy at shutdown", "error", err.Error())
		}
		stats := store.GetStats()
		logger.Info("Database pool at shutdown",
			"openConnections", stats.OpenConnections,
			"inUse", stats.InUse,
			"waitCount", stats.WaitCount,
			"waitDuration", stats.WaitDuration.String())
	}

	logger.Info("Shutdown complete")
}

// buildTesseract returns nil engines when the binary is missing; jobs that
// carry precomputed readings still work.
func buildTesseract(cfg *config.Config, logger *logging.Logger) (*engines.Tesseract, *engines.Tesseract) {
	if _, err := os.Stat(cfg.TesseractPath); err != nil {
		logger.Warn("Tesseract not found, image jobs will be rejected", "path", cfg.TesseractPath)
		return nil, nil
	}
	primary, err := engines.NewTesseract(engines.TesseractConfig{Languages: cfg.TesseractPrimaryLangs})
	if err != nil {
		logger.Warn("Primary Tesseract disabled", "error", err.Error())
		return nil, nil
	}
	fallback, err := engines.NewTesseract(engines.TesseractConfig{Languages: cfg.TesseractFallbackLangs})
	if err != nil {
		logger.Warn("Fallback Tesseract disabled", "error", err.Error())
		return primary, nil
	}
	return primary, fallback
}

func startConsumer(cfg *config.Config, proc processor.DocumentProcessorInterface) (consumer, error) {
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
		return asynqConsumer{c}, nil

	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func healthCheck(db *storage.PostgresClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
