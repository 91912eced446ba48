// Package controller reconciles job-level status from segment-level
// outcomes. It owns no goroutines of its own: the Dispatcher calls
// Reconcile after every segment terminal write, and a periodic sweep may
// call it again for self-healing after a crash.
package controller

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
)

// JobStatusUpdater is the subset of *database.JobRepository the controller
// depends on.
type JobStatusUpdater interface {
	UpdateStatus(ctx context.Context, jobID uuid.UUID, expected, next models.JobStatus, errorCode, errorMessage *string) error
	UpdateCompletedSegments(ctx context.Context, jobID uuid.UUID, completed int) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.LongformJob, error)
	SetFinalStoragePath(ctx context.Context, jobID uuid.UUID, path string) error
}

// SegmentCounter is the subset of *database.SegmentRepository the controller
// depends on.
type SegmentCounter interface {
	CountByStatus(ctx context.Context, jobID uuid.UUID) (map[models.SegmentStatus]int, error)
}

// StitchTrigger enqueues stitch work for a job whose segments are all
// succeeded; satisfied by *stitchpool.Pool, which runs the stitch
// asynchronously.
type StitchTrigger interface {
	TriggerStitch(jobID uuid.UUID)
}

// EventPublisher fans out a job lifecycle event (SPEC_FULL.md's Kafka-backed
// job-created/job-terminal topic); satisfied directly by *events.Producer.
// Optional — a nil publisher silently skips publication, the same as a nil
// StitchTrigger. A downstream events.Consumer (wired in cmd/worker) bridges
// these events to the supplemental webhook notifier; the controller itself
// never talks to webhookclient directly.
type EventPublisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, event string) error
}

// Controller reconciles one job's status from its segments' current state.
type Controller struct {
	jobs     JobStatusUpdater
	segments SegmentCounter
	stitch   StitchTrigger
	events   EventPublisher
}

// New constructs a Controller. events may be nil to disable event
// publication entirely.
func New(jobs JobStatusUpdater, segments SegmentCounter, stitch StitchTrigger, events EventPublisher) *Controller {
	return &Controller{jobs: jobs, segments: segments, stitch: stitch, events: events}
}

// publishTerminal best-effort publishes a job's terminal event; publication
// failures are logged, never propagated — they must not affect the status
// transition that already committed.
func (c *Controller) publishTerminal(ctx context.Context, jobID uuid.UUID, event string) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, jobID, event); err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Str("event", event).Msg("publish terminal event failed")
	}
}

// Reconcile recomputes completed_segments and the job's status from the
// current segment counts (§4.6). It is safe to call redundantly — a job
// already in a terminal state is never regressed, and UpdateStatus's
// conditional WHERE clause makes concurrent reconciles from multiple
// dispatcher processes idempotent.
func (c *Controller) Reconcile(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobSucceeded || job.Status == models.JobFailed {
		return nil
	}

	counts, err := c.segments.CountByStatus(ctx, jobID)
	if err != nil {
		return err
	}

	succeeded := counts[models.SegSucceeded]
	if err := c.jobs.UpdateCompletedSegments(ctx, jobID, succeeded); err != nil {
		return err
	}

	switch {
	case counts[models.SegFailed] > 0:
		return c.transitionToFailed(ctx, jobID, job.Status, counts)
	case succeeded == job.TotalSegments && job.TotalSegments > 0:
		return c.transitionToStitching(ctx, jobID, job.Status)
	default:
		return c.transitionToRunning(ctx, jobID, job.Status)
	}
}

func (c *Controller) transitionToFailed(ctx context.Context, jobID uuid.UUID, current models.JobStatus, counts map[models.SegmentStatus]int) error {
	if current == models.JobFailed {
		return nil
	}
	code := "segment_failed"
	message := "one or more segments failed"
	if err := c.jobs.UpdateStatus(ctx, jobID, current, models.JobFailed, &code, &message); err != nil {
		return ignoreStale(err)
	}
	log.Warn().Str("job_id", jobID.String()).Int("failed_segments", counts[models.SegFailed]).Msg("job failed")
	c.publishTerminal(ctx, jobID, "job_failed")
	return nil
}

func (c *Controller) transitionToStitching(ctx context.Context, jobID uuid.UUID, current models.JobStatus) error {
	if current == models.JobStitching {
		return nil
	}
	if err := c.jobs.UpdateStatus(ctx, jobID, current, models.JobStitching, nil, nil); err != nil {
		return ignoreStale(err)
	}
	log.Info().Str("job_id", jobID.String()).Msg("all segments succeeded, enqueueing stitch")
	if c.stitch != nil {
		c.stitch.TriggerStitch(jobID)
	}
	return nil
}

func (c *Controller) transitionToRunning(ctx context.Context, jobID uuid.UUID, current models.JobStatus) error {
	if current != models.JobQueued {
		return nil
	}
	if err := c.jobs.UpdateStatus(ctx, jobID, current, models.JobRunning, nil, nil); err != nil {
		return ignoreStale(err)
	}
	return nil
}

// FinalizeStitchSuccess transitions a stitching job to succeeded with its
// final storage path set. Called by the Stitcher on success.
func (c *Controller) FinalizeStitchSuccess(ctx context.Context, jobID uuid.UUID, finalStoragePath string) error {
	if err := c.jobs.SetFinalStoragePath(ctx, jobID, finalStoragePath); err != nil {
		return ignoreStale(err)
	}
	log.Info().Str("job_id", jobID.String()).Str("final_storage_path", finalStoragePath).Msg("job succeeded")
	c.publishTerminal(ctx, jobID, "job_succeeded")
	return nil
}

// FinalizeStitchFailure transitions a stitching job to failed with a
// categorized error. Called by the Stitcher on failure.
func (c *Controller) FinalizeStitchFailure(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string) error {
	if err := c.jobs.UpdateStatus(ctx, jobID, models.JobStitching, models.JobFailed, &errorCode, &errorMessage); err != nil {
		return ignoreStale(err)
	}
	log.Error().Str("job_id", jobID.String()).Str("error_code", errorCode).Msg("stitch failed")
	c.publishTerminal(ctx, jobID, "job_failed")
	return nil
}

// ignoreStale treats a lost conditional-update race as a benign no-op: some
// other reconcile (possibly on another process) already advanced the job to
// this or a later state.
func ignoreStale(err error) error {
	if apperr.KindOf(err) == apperr.Stale {
		return nil
	}
	return err
}
