// Package worker drives one claimed segment through the two-stage
// audio-then-video pipeline (§4.5). A Worker instance is stateless between
// calls; all durable state lives in the segment row, so any worker process
// can pick up a segment left running by another that crashed.
//
// Structured-logging and bounded-retry shape grounded on the teacher's
// job_processor.go (segment-scoped status transitions, structured zerolog
// fields); upstream submit/poll shape grounded on ttsclient/fusionclient.
package worker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/backoff"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/fusionclient"
	"github.com/snappy-loop/longform/internal/models"
	"github.com/snappy-loop/longform/internal/ttsclient"
)

// TTSSubmitPoller is the subset of *ttsclient.Client the worker depends on;
// narrowed so tests can supply a fake (teacher's interface-subsetting DI
// idiom, e.g. jobs_deps.go).
type TTSSubmitPoller interface {
	Submit(ctx context.Context, req ttsclient.SubmitRequest) (string, error)
	PollUntilTerminal(ctx context.Context, ttsJobID string, backoffBase, backoffCap time.Duration) (*ttsclient.PollResult, error)
}

// FusionSubmitPoller is the fusion equivalent of TTSSubmitPoller.
type FusionSubmitPoller interface {
	Submit(ctx context.Context, req fusionclient.SubmitRequest) (*fusionclient.SubmitResult, error)
	PollUntilTerminal(ctx context.Context, fusionJobID string, backoffBase, backoffCap time.Duration) (*fusionclient.PollResult, error)
}

// SegmentStore is the subset of *database.SegmentRepository the worker
// depends on, narrowed so unit tests can supply an in-memory fake instead of
// a live database.
type SegmentStore interface {
	UpdateSegment(ctx context.Context, id uuid.UUID, expectedStatus models.SegmentStatus, mutate database.SegmentMutator) error
}

// Config holds the timing knobs the retry and poll-cadence policies need.
type Config struct {
	TTSMaxAttempts    int
	FusionMaxAttempts int
	PollBackoffBase   time.Duration
	PollBackoffCap    time.Duration
	RetryBackoffCap   time.Duration
	FusionPollBudget  time.Duration
}

// Worker processes one claimed segment's audio or video stage to
// completion (succeeded/failed) or until it runs out of retry budget.
type Worker struct {
	segmentRepo SegmentStore
	tts         TTSSubmitPoller
	fusion      FusionSubmitPoller
	cfg         Config
}

// New constructs a Worker.
func New(segmentRepo SegmentStore, tts TTSSubmitPoller, fusion FusionSubmitPoller, cfg Config) *Worker {
	return &Worker{segmentRepo: segmentRepo, tts: tts, fusion: fusion, cfg: cfg}
}

// Process advances a claimed segment by one stage. job supplies the
// synthesis parameters (voice config, face artifact, aspect ratio) that the
// segment row itself does not carry. Returns the segment's status after
// this call so the caller (Dispatcher) can trigger the Job Controller.
func (w *Worker) Process(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (models.SegmentStatus, error) {
	switch seg.Status {
	case models.SegAudioRunning:
		return w.runAudioStage(ctx, job, seg)
	case models.SegVideoRunning:
		return w.runVideoStage(ctx, job, seg)
	default:
		return seg.Status, apperr.New(apperr.Validation, "segment_not_claimable", "segment is not in a worker-claimable state")
	}
}

func (w *Worker) runAudioStage(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (models.SegmentStatus, error) {
	maxAttempts := w.cfg.TTSMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := w.submitAndPollAudio(ctx, job, seg)
		if err == nil {
			return w.completeAudioStage(ctx, seg, result)
		}

		lastErr = err
		if apperr.KindOf(err) != apperr.Transient {
			return w.failSegment(ctx, seg, err)
		}

		log.Warn().
			Str("job_id", job.ID.String()).
			Int("segment_index", seg.SegmentIndex).
			Int("attempt", attempt+1).
			Err(err).
			Msg("tts stage transient failure, retrying")

		if attempt == maxAttempts-1 {
			break
		}
		if err := w.sleepBackoff(ctx, attempt); err != nil {
			return seg.Status, err
		}
	}

	return w.failSegment(ctx, seg, apperr.Wrap(apperr.UpstreamFatal, "tts_retries_exhausted", "tts retries exhausted", lastErr))
}

// submitAndPollAudio ensures a tts_job_id exists (submitting only if the
// segment doesn't already carry one, per the idempotent-resume invariant),
// then polls it to a terminal upstream state.
func (w *Worker) submitAndPollAudio(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (*ttsclient.PollResult, error) {
	if seg.TTSJobID == nil {
		id, err := w.tts.Submit(ctx, ttsclient.SubmitRequest{
			Text:         seg.TextChunk,
			VoiceCfg:     job.VoiceCfg,
			ActorUserID:  job.UserID,
			JobID:        job.ID,
			SegmentIndex: seg.SegmentIndex,
		})
		if err != nil {
			return nil, err
		}
		if err := w.segmentRepo.UpdateSegment(ctx, seg.ID, models.SegAudioRunning, func(s *models.LongformSegment) {
			s.TTSJobID = &id
		}); err != nil {
			return nil, err
		}
		seg.TTSJobID = &id
	}

	result, err := w.tts.PollUntilTerminal(ctx, *seg.TTSJobID, w.cfg.PollBackoffBase, w.cfg.PollBackoffCap)
	if err != nil {
		return nil, err
	}
	if result.Status == ttsclient.StatusFailed {
		return nil, classifyUpstreamError(result.ErrorCode)
	}
	return result, nil
}

func (w *Worker) completeAudioStage(ctx context.Context, seg *models.LongformSegment, result *ttsclient.PollResult) (models.SegmentStatus, error) {
	now := time.Now()
	err := w.segmentRepo.UpdateSegment(ctx, seg.ID, models.SegAudioRunning, func(s *models.LongformSegment) {
		s.Status = models.SegVideoRunning
		s.AudioURL = &result.AudioURL
		s.AudioStoragePath = &result.AudioStoragePath
		s.LockedAt = &now
	})
	if err != nil {
		return seg.Status, err
	}
	// Sync the caller's segment so the Dispatcher can drive straight into the
	// video stage within the same claim instead of waiting out the lock TTL
	// (that reclaim path is for crash recovery, not the normal transition).
	seg.Status = models.SegVideoRunning
	seg.AudioURL = &result.AudioURL
	seg.AudioStoragePath = &result.AudioStoragePath
	seg.LockedAt = &now
	log.Info().Str("job_id", seg.JobID.String()).Int("segment_index", seg.SegmentIndex).Msg("audio stage complete")
	return models.SegVideoRunning, nil
}

func (w *Worker) runVideoStage(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (models.SegmentStatus, error) {
	maxAttempts := w.cfg.FusionMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	budget := w.cfg.FusionPollBudget
	if budget <= 0 {
		budget = 20 * time.Minute
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pollCtx, cancel := context.WithTimeout(ctx, budget)
		result, err := w.submitAndPollVideo(pollCtx, job, seg)
		cancel()
		if err == nil {
			return w.completeVideoStage(ctx, seg, result)
		}

		lastErr = err
		if apperr.KindOf(err) != apperr.Transient {
			return w.failSegment(ctx, seg, err)
		}

		log.Warn().
			Str("job_id", job.ID.String()).
			Int("segment_index", seg.SegmentIndex).
			Int("attempt", attempt+1).
			Err(err).
			Msg("fusion stage transient failure, retrying")

		if attempt == maxAttempts-1 {
			break
		}
		if err := w.sleepBackoff(ctx, attempt); err != nil {
			return seg.Status, err
		}
	}

	return w.failSegment(ctx, seg, apperr.Wrap(apperr.UpstreamFatal, "fusion_retries_exhausted", "fusion retries exhausted", lastErr))
}

func (w *Worker) submitAndPollVideo(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (*fusionclient.PollResult, error) {
	if seg.FusionJobID == nil {
		audioURL := ""
		if seg.AudioURL != nil {
			audioURL = *seg.AudioURL
		}
		audioPath := ""
		if seg.AudioStoragePath != nil {
			audioPath = *seg.AudioStoragePath
		}
		result, err := w.fusion.Submit(ctx, fusionclient.SubmitRequest{
			FaceArtifactID:   job.FaceArtifactID,
			AudioStoragePath: audioPath,
			AudioURL:         audioURL,
			AspectRatio:      job.AspectRatio,
			Consent:          fusionclient.ConsentFlags{FaceUsageConsented: true},
			ActorUserID:      job.UserID,
			JobID:            job.ID,
			SegmentIndex:     seg.SegmentIndex,
		})
		if err != nil {
			return nil, err
		}
		if err := w.segmentRepo.UpdateSegment(ctx, seg.ID, models.SegVideoRunning, func(s *models.LongformSegment) {
			s.FusionJobID = &result.FusionJobID
			if result.ProviderJobID != "" {
				s.ProviderJobID = &result.ProviderJobID
			}
		}); err != nil {
			return nil, err
		}
		seg.FusionJobID = &result.FusionJobID
	}

	result, err := w.fusion.PollUntilTerminal(ctx, *seg.FusionJobID, w.cfg.PollBackoffBase, w.cfg.PollBackoffCap)
	if err != nil {
		return nil, err
	}
	if result.Status == fusionclient.StatusFailed {
		return nil, classifyUpstreamError(result.ErrorCode)
	}
	return result, nil
}

func (w *Worker) completeVideoStage(ctx context.Context, seg *models.LongformSegment, result *fusionclient.PollResult) (models.SegmentStatus, error) {
	err := w.segmentRepo.UpdateSegment(ctx, seg.ID, models.SegVideoRunning, func(s *models.LongformSegment) {
		s.Status = models.SegSucceeded
		s.SegmentVideoURL = &result.VideoURL
		s.SegmentStoragePath = &result.VideoStoragePath
		s.LockedBy = nil
		s.LockedAt = nil
	})
	if err != nil {
		return seg.Status, err
	}
	seg.Status = models.SegSucceeded
	seg.SegmentVideoURL = &result.VideoURL
	seg.SegmentStoragePath = &result.VideoStoragePath
	seg.LockedBy = nil
	seg.LockedAt = nil
	log.Info().Str("job_id", seg.JobID.String()).Int("segment_index", seg.SegmentIndex).Msg("video stage complete")
	return models.SegSucceeded, nil
}

// failSegment writes a terminal failure to the segment, releasing its lock.
func (w *Worker) failSegment(ctx context.Context, seg *models.LongformSegment, cause error) (models.SegmentStatus, error) {
	// Persisted as the Kind, not the more specific apperr.Error.Code, matching
	// the coarse-grained codes the Controller and Stitcher already persist
	// ("segment_failed", "stitch_no_segments") for this same error_code column.
	code := string(apperr.KindOf(cause))
	message := safeMessage(cause)

	updateErr := w.segmentRepo.UpdateSegment(ctx, seg.ID, seg.Status, func(s *models.LongformSegment) {
		s.Status = models.SegFailed
		s.ErrorCode = &code
		s.ErrorMessage = &message
		s.LockedBy = nil
		s.LockedAt = nil
	})
	if updateErr != nil {
		return seg.Status, updateErr
	}
	seg.Status = models.SegFailed
	seg.ErrorCode = &code
	seg.ErrorMessage = &message
	seg.LockedBy = nil
	seg.LockedAt = nil

	log.Error().
		Str("job_id", seg.JobID.String()).
		Int("segment_index", seg.SegmentIndex).
		Str("error_code", code).
		Err(cause).
		Msg("segment failed")

	return models.SegFailed, nil
}

func (w *Worker) sleepBackoff(ctx context.Context, attempt int) error {
	backoffCap := w.cfg.RetryBackoffCap
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	delay := backoff.Exponential(time.Second, backoffCap, attempt)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyUpstreamError maps a terminal upstream error_code string to this
// engine's Kind taxonomy. Upstream services are expected to use "policy" or
// "consent" prefixed codes for content/consent refusals (§7 ErrPolicy);
// anything else terminal is ErrUpstreamFatal.
func classifyUpstreamError(errorCode string) error {
	lower := strings.ToLower(errorCode)
	if strings.Contains(lower, "policy") || strings.Contains(lower, "consent") {
		return apperr.New(apperr.Policy, errorCode, "upstream refused for policy/consent reasons")
	}
	if errorCode == "" {
		errorCode = "upstream_failed"
	}
	return apperr.New(apperr.UpstreamFatal, errorCode, "upstream reported a terminal failure")
}

// safeMessage returns an error message safe to persist and surface to
// callers: no upstream credentials, internal paths, or raw stack traces
// (§7 user-visible behavior).
func safeMessage(err error) string {
	if appErr, ok := err.(*apperr.Error); ok {
		return appErr.Message
	}
	return "an internal error occurred"
}
