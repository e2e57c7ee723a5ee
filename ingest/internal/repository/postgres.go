package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/studyhawk/common/database"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

type PostgresRepository struct {
	pool     *pgxpool.Pool
	timeouts database.Timeouts
}

// NewPostgresRepository connects and pings. maxConns <= 0 keeps the pgx
// default.
func NewPostgresRepository(ctx context.Context, connString string, maxConns int32, timeouts database.Timeouts) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, timeouts: timeouts}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// CheckHealth is used by /readyz.
func (r *PostgresRepository) CheckHealth(ctx context.Context) error {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) GetParticipant(ctx context.Context, patientID string) (models.Participant, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT patient_id, study_id, os_type, device_id
		FROM participants
		WHERE patient_id = $1
	`

	var p models.Participant
	err := r.pool.QueryRow(ctx, query, patientID).Scan(&p.PatientID, &p.StudyID, &p.OSType, &p.DeviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Participant{}, ErrParticipantNotFound
		}
		return models.Participant{}, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) UpsertParticipant(ctx context.Context, p models.Participant) error {
	if err := validate(p); err != nil {
		return err
	}
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO participants (patient_id, study_id, os_type, device_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE
		SET study_id = EXCLUDED.study_id,
		    os_type = EXCLUDED.os_type,
		    device_id = EXCLUDED.device_id,
		    updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, p.PatientID, p.StudyID, p.OSType, p.DeviceID); err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// Enqueue records a stored file for processing and tracks the upload in one
// transaction. A second upload of the same path refreshes the pending row.
func (r *PostgresRepository) Enqueue(ctx context.Context, rec models.ProcessingRecord) error {
	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO files_to_process (file_path, study_id, participant_id, record_id, size_bytes, signature, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (study_id, file_path) DO UPDATE
		SET participant_id = EXCLUDED.participant_id,
		    record_id = EXCLUDED.record_id,
		    size_bytes = EXCLUDED.size_bytes,
		    signature = EXCLUDED.signature,
		    enqueued_at = EXCLUDED.enqueued_at
	`, rec.FilePath, rec.StudyID, rec.ParticipantID, rec.ID, rec.Size, rec.Signature, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert file for processing: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO upload_tracking (record_id, file_path, participant_id, file_size, uploaded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.FilePath, rec.ParticipantID, rec.Size, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert upload tracking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// PendingFiles lists records awaiting processing for a study, oldest first.
func (r *PostgresRepository) PendingFiles(ctx context.Context, studyID string, limit int) ([]models.ProcessingRecord, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT record_id::text, file_path, study_id, participant_id, size_bytes, signature, enqueued_at
		FROM files_to_process
		WHERE study_id = $1
		ORDER BY enqueued_at
		LIMIT $2
	`, studyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending files: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessingRecord
	for rows.Next() {
		var rec models.ProcessingRecord
		if err := rows.Scan(&rec.ID, &rec.FilePath, &rec.StudyID, &rec.ParticipantID, &rec.Size, &rec.Signature, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan pending file: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
