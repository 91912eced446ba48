package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
)

// JobRepository handles LongformJob persistence.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob atomically inserts a job row and all its segments in one
// transaction. Fails with apperr.Conflict on (id) collision.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	voiceCfgJSON, err := json.Marshal(job.VoiceCfg)
	if err != nil {
		return fmt.Errorf("marshal voice_cfg: %w", err)
	}
	tagsJSON, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT INTO longform_jobs (
			id, user_id, status, face_artifact_id, aspect_ratio, segment_seconds,
			max_segment_seconds, voice_cfg, voice_gender_mode, voice_gender,
			script_text, total_segments, completed_segments, tags, auth_token,
			webhook_url, webhook_secret, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err = tx.ExecContext(ctx, query,
		job.ID, job.UserID, job.Status, job.FaceArtifactID, job.AspectRatio,
		job.SegmentSeconds, job.MaxSegmentSeconds, voiceCfgJSON, job.VoiceGenderMode,
		job.VoiceGender, job.ScriptText, job.TotalSegments, job.CompletedSegments,
		tagsJSON, job.AuthToken, job.WebhookURL, job.WebhookSecret, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "job_exists", "a job with this id already exists", err)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	segQuery := `
		INSERT INTO longform_segments (
			id, job_id, segment_index, status, text_chunk, duration_sec,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	for _, seg := range segments {
		_, err = tx.ExecContext(ctx, segQuery,
			seg.ID, seg.JobID, seg.SegmentIndex, seg.Status, seg.TextChunk,
			seg.DurationSec, seg.CreatedAt, seg.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Wrap(apperr.Conflict, "duplicate_segment_index", "duplicate segment index for job", err)
			}
			return fmt.Errorf("insert segment %d: %w", seg.SegmentIndex, err)
		}
	}

	return tx.Commit()
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.LongformJob, error) {
	query := `
		SELECT id, user_id, status, face_artifact_id, aspect_ratio, segment_seconds,
			max_segment_seconds, voice_cfg, voice_gender_mode, voice_gender,
			script_text, total_segments, completed_segments, final_storage_path,
			tags, auth_token, webhook_url, webhook_secret, error_code, error_message,
			created_at, updated_at
		FROM longform_jobs WHERE id = $1
	`
	job := &models.LongformJob{}
	var voiceCfgJSON, tagsJSON []byte
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.UserID, &job.Status, &job.FaceArtifactID, &job.AspectRatio,
		&job.SegmentSeconds, &job.MaxSegmentSeconds, &voiceCfgJSON, &job.VoiceGenderMode,
		&job.VoiceGender, &job.ScriptText, &job.TotalSegments, &job.CompletedSegments,
		&job.FinalStoragePath, &tagsJSON, &job.AuthToken, &job.WebhookURL, &job.WebhookSecret,
		&job.ErrorCode, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "job_not_found", "job not found")
	}
	if err != nil {
		return nil, err
	}
	if len(voiceCfgJSON) > 0 {
		if err := json.Unmarshal(voiceCfgJSON, &job.VoiceCfg); err != nil {
			return nil, fmt.Errorf("unmarshal voice_cfg: %w", err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &job.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return job, nil
}

// UpdateStatus performs a conditional status transition keyed on the
// expected current status; fails with apperr.Stale if the row has moved on.
// Never regresses a job out of a terminal state (succeeded/failed).
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID uuid.UUID, expected, next models.JobStatus, errorCode, errorMessage *string) error {
	query := `
		UPDATE longform_jobs
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
		  AND status NOT IN ('succeeded', 'failed')
	`
	result, err := r.db.ExecContext(ctx, query, next, errorCode, errorMessage, jobID, expected)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.New(apperr.Stale, "job_status_stale", "job status changed concurrently")
	}
	return nil
}

// UpdateCompletedSegments stores the caller-supplied completed_segments
// count for observability; never itself drives status transitions.
func (r *JobRepository) UpdateCompletedSegments(ctx context.Context, jobID uuid.UUID, completed int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE longform_jobs SET completed_segments = $1, updated_at = NOW() WHERE id = $2`, completed, jobID)
	return err
}

// SetFinalStoragePath writes the stitched output path and marks the job
// succeeded in one conditional update, guarding against a non-stitching job.
func (r *JobRepository) SetFinalStoragePath(ctx context.Context, jobID uuid.UUID, path string) error {
	query := `
		UPDATE longform_jobs
		SET final_storage_path = $1, status = 'succeeded', updated_at = NOW()
		WHERE id = $2 AND status = 'stitching'
	`
	result, err := r.db.ExecContext(ctx, query, path, jobID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.New(apperr.Stale, "job_status_stale", "job was not in stitching state")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
