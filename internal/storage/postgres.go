/**
 * PostgreSQL Client for the OCR Fusion Worker
 *
 * Handles database operations for job tracking and correction results.
 * Results keep the full stage trace as JSONB so a degraded document can be
 * inspected after the fact.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// jobNamespace derives stable UUIDs for job IDs that are not UUIDs already.
var jobNamespace = uuid.MustParse("6f1c7a52-3f0e-4c41-9d55-0b8e2d7f4a10")

const schema = `
	CREATE SCHEMA IF NOT EXISTS ocrfusion;

	CREATE TABLE IF NOT EXISTS ocrfusion.correction_jobs (
		id                 UUID PRIMARY KEY,
		external_id        TEXT NOT NULL,
		status             TEXT NOT NULL,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		result_id          UUID,
		engine_used        TEXT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ocrfusion.correction_results (
		id           UUID PRIMARY KEY,
		job_id       UUID NOT NULL REFERENCES ocrfusion.correction_jobs (id),
		document_id  TEXT NOT NULL,
		text         TEXT NOT NULL,
		confidence   NUMERIC(5,4) NOT NULL,
		language     TEXT NOT NULL,
		failed       BOOLEAN NOT NULL DEFAULT FALSE,
		error        TEXT,
		corrections  INTEGER NOT NULL DEFAULT 0,
		alternatives TEXT[] NOT NULL DEFAULT '{}',
		stage_trace  JSONB NOT NULL,
		diagnostics  JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ResultID         string
	EngineUsed       string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// CorrectionRecord is one stored correction result
type CorrectionRecord struct {
	ID           string
	JobID        string
	DocumentID   string
	Text         string
	Confidence   float64
	Language     string
	Failed       bool
	Error        string
	Corrections  int
	Alternatives []string
	StageTrace   json.RawMessage
	Diagnostics  map[string]interface{}
	CreatedAt    time.Time
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it always fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// JobUUID returns jobID when it is a UUID, otherwise a name-based UUID
// derived from it. The same input always maps to the same UUID.
func JobUUID(jobID string) string {
	if id, err := uuid.Parse(jobID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(jobNamespace, []byte(jobID)).String()
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)
}

// EnsureSchema creates the worker tables when they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row, so the worker can create it if the
// producer did not.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO ocrfusion.correction_jobs (
			id, external_id, status, confidence, processing_time_ms,
			result_id, engine_used, error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			COALESCE(NULLIF($10, 'null')::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, ocrfusion.correction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocrfusion.correction_jobs.processing_time_ms),
			result_id = COALESCE(EXCLUDED.result_id, ocrfusion.correction_jobs.result_id),
			engine_used = COALESCE(EXCLUDED.engine_used, ocrfusion.correction_jobs.engine_used),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = ocrfusion.correction_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		JobUUID(update.JobID),   // $1 - id
		update.JobID,            // $2 - external_id
		update.Status,           // $3 - status
		sanitizedConfidence,     // $4 - confidence
		update.ProcessingTimeMs, // $5 - processing_time_ms
		update.ResultID,         // $6 - result_id
		update.EngineUsed,       // $7 - engine_used
		update.ErrorCode,        // $8 - error_code
		update.ErrorMessage,     // $9 - error_message
		string(metadataJSON),    // $10 - metadata
	).Scan(&returnedID)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// StoreResult inserts a correction result and returns its ID. The job row
// must exist.
func (p *PostgresClient) StoreResult(ctx context.Context, rec *CorrectionRecord) (string, error) {
	if err := validateRecord(rec); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	diagnosticsJSON, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return "", fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	alternatives := rec.Alternatives
	if alternatives == nil {
		alternatives = []string{}
	}

	query := `
		INSERT INTO ocrfusion.correction_results (
			id, job_id, document_id, text, confidence, language,
			failed, error, corrections, alternatives, stage_trace, diagnostics,
			created_at
		) VALUES (
			$1::uuid, $2::uuid, $3, $4, $5::NUMERIC(5,4), $6,
			$7, NULLIF($8, ''), $9, $10, $11::jsonb, COALESCE(NULLIF($12, 'null')::jsonb, '{}'::jsonb),
			NOW()
		)
		RETURNING id, created_at
	`

	err = p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		JobUUID(rec.JobID),
		rec.DocumentID,
		rec.Text,
		sanitizeConfidence(rec.Confidence),
		rec.Language,
		rec.Failed,
		rec.Error,
		rec.Corrections,
		pq.Array(alternatives),
		string(rec.StageTrace),
		string(diagnosticsJSON),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store correction result (job=%s): %w", rec.JobID, err)
	}

	return rec.ID, nil
}

func validateRecord(rec *CorrectionRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if rec.DocumentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if rec.ID != "" {
		if _, err := uuid.Parse(rec.ID); err != nil {
			return fmt.Errorf("invalid result ID %q: %w", rec.ID, err)
		}
	}
	if len(rec.StageTrace) == 0 || !json.Valid(rec.StageTrace) {
		return fmt.Errorf("stage trace must be valid JSON")
	}
	return nil
}

// GetResult retrieves a correction result by ID
func (p *PostgresClient) GetResult(ctx context.Context, resultID string) (*CorrectionRecord, error) {
	if resultID == "" {
		return nil, fmt.Errorf("result ID is required")
	}

	query := `
		SELECT
			r.id, j.external_id, r.document_id, r.text, r.confidence, r.language,
			r.failed, r.error, r.corrections, r.alternatives, r.stage_trace,
			r.diagnostics, r.created_at
		FROM ocrfusion.correction_results r
		JOIN ocrfusion.correction_jobs j ON j.id = r.job_id
		WHERE r.id = $1::uuid
	`

	var (
		rec             CorrectionRecord
		errMsg          sql.NullString
		alternatives    pq.StringArray
		traceJSON       []byte
		diagnosticsJSON []byte
	)

	err := p.db.QueryRowContext(ctx, query, resultID).Scan(
		&rec.ID, &rec.JobID, &rec.DocumentID, &rec.Text, &rec.Confidence, &rec.Language,
		&rec.Failed, &errMsg, &rec.Corrections, &alternatives, &traceJSON,
		&diagnosticsJSON, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("correction result not found: %s", resultID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correction result: %w", err)
	}

	rec.Error = errMsg.String
	rec.Alternatives = []string(alternatives)
	rec.StageTrace = json.RawMessage(traceJSON)
	if len(diagnosticsJSON) > 0 {
		if err := json.Unmarshal(diagnosticsJSON, &rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
