/**
 * Configuration for the OCR Fusion Worker
 *
 * Loads configuration from environment variables. Correction behaviour is
 * selected by CORRECTION_MODE; see modes.go.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string // "asynq" or "redis"
	QueueName    string

	// PostgreSQL configuration; empty disables persistence
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds

	// Tesseract configuration
	TesseractPath          string
	TesseractPrimaryLangs  string
	TesseractFallbackLangs string

	// Vision model used as tertiary engine; empty disables it
	VisionURL       string
	VisionRateLimit float64 // requests per second

	// Correction models
	CorrectionMode         string
	NGramArabicPath        string
	NGramEnglishPath       string
	ConfusionOverridesPath string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:               getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:           strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		QueueName:              getEnvOrDefault("QUEUE_NAME", "ocrfusion:jobs"),
		DatabaseURL:            getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:      getEnvAsIntOrDefault("WORKER_CONCURRENCY", 10),
		ProcessingTimeout:      getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		TesseractPath:          getEnvOrDefault("TESSERACT_PATH", "/usr/bin/tesseract"),
		TesseractPrimaryLangs:  getEnvOrDefault("TESSERACT_PRIMARY_LANGS", "ara+eng"),
		TesseractFallbackLangs: getEnvOrDefault("TESSERACT_FALLBACK_LANGS", "eng"),
		VisionURL:              getEnvOrDefault("VISION_URL", ""),
		VisionRateLimit:        getEnvAsFloatOrDefault("VISION_RATE_LIMIT", 2),
		CorrectionMode:         getEnvOrDefault("CORRECTION_MODE", ModeBalanced),
		NGramArabicPath:        getEnvOrDefault("NGRAM_ARABIC_PATH", ""),
		NGramEnglishPath:       getEnvOrDefault("NGRAM_ENGLISH_PATH", ""),
		ConfusionOverridesPath: getEnvOrDefault("CONFUSION_OVERRIDES_PATH", ""),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:              getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != "asynq" && c.QueueBackend != "redis" {
		return fmt.Errorf("QUEUE_BACKEND must be asynq or redis, got %q", c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < 1000 || c.ProcessingTimeout > 3600000 { // 1s to 1h
		return fmt.Errorf("PROCESSING_TIMEOUT must be between 1000 and 3600000 ms, got %d", c.ProcessingTimeout)
	}

	if c.VisionURL != "" && c.VisionRateLimit <= 0 {
		return fmt.Errorf("VISION_RATE_LIMIT must be positive, got %v", c.VisionRateLimit)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
