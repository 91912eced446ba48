package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
)

// SegmentRepository handles LongformSegment persistence, including the
// claim/lock protocol that lets many worker processes coordinate purely
// through the database.
type SegmentRepository struct {
	db *DB
}

// NewSegmentRepository creates a new SegmentRepository
func NewSegmentRepository(db *DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// ClaimNextSegment selects one queued segment, or a stale in-flight segment
// whose lock has expired, locks it for workerID, and returns it. Uses
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent dispatchers never observe
// the same row in a live, locked state.
func (r *SegmentRepository) ClaimNextSegment(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration) (*models.LongformSegment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	staleCutoff := now.Add(-lockTTL)

	selectQuery := `
		SELECT id, job_id, segment_index, status, text_chunk, duration_sec,
			tts_job_id, audio_url, audio_storage_path, audio_artifact_id, fusion_job_id,
			provider_job_id, segment_video_url, segment_storage_path,
			locked_at, locked_by, error_code, error_message, created_at, updated_at
		FROM longform_segments
		WHERE (status = 'queued')
		   OR (status IN ('audio_running', 'video_running') AND locked_at < $1)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	seg := &models.LongformSegment{}
	err = tx.QueryRowContext(ctx, selectQuery, staleCutoff).Scan(
		&seg.ID, &seg.JobID, &seg.SegmentIndex, &seg.Status, &seg.TextChunk, &seg.DurationSec,
		&seg.TTSJobID, &seg.AudioURL, &seg.AudioStoragePath, &seg.AudioArtifactID, &seg.FusionJobID,
		&seg.ProviderJobID, &seg.SegmentVideoURL, &seg.SegmentStoragePath,
		&seg.LockedAt, &seg.LockedBy, &seg.ErrorCode, &seg.ErrorMessage,
		&seg.CreatedAt, &seg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	nextStatus := seg.Status
	if seg.Status == models.SegQueued {
		nextStatus = models.SegAudioRunning
	}

	updateQuery := `
		UPDATE longform_segments
		SET status = $1, locked_by = $2, locked_at = $3, updated_at = $3
		WHERE id = $4
	`
	if _, err := tx.ExecContext(ctx, updateQuery, nextStatus, workerID, now, seg.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	seg.Status = nextStatus
	seg.LockedBy = &workerID
	seg.LockedAt = &now
	return seg, nil
}

// SegmentMutator applies field changes to a segment that was read under the
// expected status; UpdateSegment persists them with a conditional update.
type SegmentMutator func(seg *models.LongformSegment)

// UpdateSegment applies mutator to the row's in-memory representation and
// writes it back conditionally on expectedStatus; fails with apperr.Stale if
// the row's status no longer matches, preserving single-writer discipline
// per segment.
func (r *SegmentRepository) UpdateSegment(ctx context.Context, id uuid.UUID, expectedStatus models.SegmentStatus, mutate SegmentMutator) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, job_id, segment_index, status, text_chunk, duration_sec,
			tts_job_id, audio_url, audio_storage_path, audio_artifact_id, fusion_job_id,
			provider_job_id, segment_video_url, segment_storage_path,
			locked_at, locked_by, error_code, error_message, created_at, updated_at
		FROM longform_segments WHERE id = $1
		FOR UPDATE
	`
	seg := &models.LongformSegment{}
	err = tx.QueryRowContext(ctx, selectQuery, id).Scan(
		&seg.ID, &seg.JobID, &seg.SegmentIndex, &seg.Status, &seg.TextChunk, &seg.DurationSec,
		&seg.TTSJobID, &seg.AudioURL, &seg.AudioStoragePath, &seg.AudioArtifactID, &seg.FusionJobID,
		&seg.ProviderJobID, &seg.SegmentVideoURL, &seg.SegmentStoragePath,
		&seg.LockedAt, &seg.LockedBy, &seg.ErrorCode, &seg.ErrorMessage,
		&seg.CreatedAt, &seg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, "segment_not_found", "segment not found")
	}
	if err != nil {
		return err
	}
	if seg.Status != expectedStatus {
		return apperr.New(apperr.Stale, "segment_status_stale", "segment status changed concurrently")
	}

	mutate(seg)

	updateQuery := `
		UPDATE longform_segments
		SET status = $1, tts_job_id = $2, audio_url = $3, audio_storage_path = $4,
			audio_artifact_id = $5, fusion_job_id = $6, provider_job_id = $7,
			segment_video_url = $8, segment_storage_path = $9, locked_at = $10,
			locked_by = $11, error_code = $12, error_message = $13, updated_at = NOW()
		WHERE id = $14 AND status = $15
	`
	result, err := tx.ExecContext(ctx, updateQuery,
		seg.Status, seg.TTSJobID, seg.AudioURL, seg.AudioStoragePath, seg.AudioArtifactID,
		seg.FusionJobID, seg.ProviderJobID, seg.SegmentVideoURL,
		seg.SegmentStoragePath, seg.LockedAt, seg.LockedBy,
		seg.ErrorCode, seg.ErrorMessage, id, expectedStatus,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.New(apperr.Stale, "segment_status_stale", "segment status changed concurrently")
	}
	return tx.Commit()
}

// ReleaseSegment gives up a claim without changing status, for clean worker
// shutdown or a dispatcher declining work for fairness. locked_at is backed
// far into the past (rather than cleared to NULL) so ClaimNextSegment's
// staleness check — which compares locked_at against a cutoff — picks the
// segment back up immediately instead of waiting out the full lock TTL.
func (r *SegmentRepository) ReleaseSegment(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE longform_segments SET locked_by = NULL, locked_at = $1 WHERE id = $2`, time.Unix(0, 0), id)
	return err
}

// CountByStatus returns the count of segments per status for a job.
func (r *SegmentRepository) CountByStatus(ctx context.Context, jobID uuid.UUID) (map[models.SegmentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM longform_segments WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SegmentStatus]int)
	for rows.Next() {
		var status models.SegmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListSegmentsOrdered returns all segments of a job ordered by segment_index
// ascending, used by the Stitcher and the HTTP API.
func (r *SegmentRepository) ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error) {
	query := `
		SELECT id, job_id, segment_index, status, text_chunk, duration_sec,
			tts_job_id, audio_url, audio_storage_path, audio_artifact_id, fusion_job_id,
			provider_job_id, segment_video_url, segment_storage_path,
			locked_at, locked_by, error_code, error_message, created_at, updated_at
		FROM longform_segments
		WHERE job_id = $1
		ORDER BY segment_index ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*models.LongformSegment
	for rows.Next() {
		seg := &models.LongformSegment{}
		err := rows.Scan(
			&seg.ID, &seg.JobID, &seg.SegmentIndex, &seg.Status, &seg.TextChunk, &seg.DurationSec,
			&seg.TTSJobID, &seg.AudioURL, &seg.AudioStoragePath, &seg.AudioArtifactID, &seg.FusionJobID,
			&seg.ProviderJobID, &seg.SegmentVideoURL, &seg.SegmentStoragePath,
			&seg.LockedAt, &seg.LockedBy, &seg.ErrorCode, &seg.ErrorMessage,
			&seg.CreatedAt, &seg.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}
