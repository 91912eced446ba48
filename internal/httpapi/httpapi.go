// Package httpapi implements the user-facing HTTP surface (§4.9, §6):
// job creation, job/segment status reads, and a liveness probe. Handler
// shapes, JSON helpers, and subset-interface dependency injection follow
// internal/handlers/jobs.go's pattern, narrowed to this engine's four
// routes and its user/service Principal model instead of API-key lookup.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/auth"
	"github.com/snappy-loop/longform/internal/models"
	"github.com/snappy-loop/longform/internal/segmenter"
)

// JobStore is the subset of *database.JobRepository the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.LongformJob, error)
}

// SegmentLister is the subset of *database.SegmentRepository the API needs.
type SegmentLister interface {
	ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error)
}

// Signer is the subset of storage.BlobStore the API needs to mint
// download URLs for finished artifacts.
type Signer interface {
	GeneratePresignedURL(key string, expiration time.Duration) (string, error)
}

// HealthChecker is the subset of *database.DB the health probe needs.
type HealthChecker interface {
	Health() error
}

// EventPublisher is the subset of *events.Producer the API uses to fan out
// a job-created notification; satisfied directly by *events.Producer.
// Optional — a nil publisher silently skips the call.
type EventPublisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, event string) error
}

// Config holds the segmentation defaults and signed-URL lifetime the API
// applies when turning a create request into persisted segments.
type Config struct {
	DefaultWPM           int
	MinSegmentSeconds    int
	MaxSegmentSecondsCap int
	SignedURLTTL         time.Duration
}

// Handler implements the routes in §4.9.
type Handler struct {
	jobs     JobStore
	segments SegmentLister
	blobs    Signer
	health   HealthChecker
	events   EventPublisher
	cfg      Config
}

// NewHandler constructs a Handler. events may be nil to disable job-created
// fan-out entirely.
func NewHandler(jobs JobStore, segments SegmentLister, blobs Signer, health HealthChecker, events EventPublisher, cfg Config) *Handler {
	return &Handler{jobs: jobs, segments: segments, blobs: blobs, health: health, events: events, cfg: cfg}
}

// CreateJob handles POST /api/longform/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok || principal.Kind != auth.KindUserJWT {
		writeAppError(w, apperr.New(apperr.Auth, "unauthorized", "a user bearer token is required"))
		return
	}

	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.New(apperr.Validation, "invalid_body", "request body is not valid JSON"))
		return
	}

	if fields := h.validateCreateRequest(&req); len(fields) > 0 {
		writeValidationErrors(w, fields)
		return
	}

	chunks, err := segmenter.Segment(req.ScriptText, segmenter.Options{
		SegmentSeconds:    req.SegmentSeconds,
		MaxSegmentSeconds: req.MaxSegmentSeconds,
		WPM:               h.cfg.DefaultWPM,
		Locale:            req.VoiceCfg.Locale,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	now := time.Now()
	jobID := uuid.New()
	job := &models.LongformJob{
		ID:                jobID,
		UserID:            principal.UserSub,
		Status:            models.JobQueued,
		FaceArtifactID:    req.FaceArtifactID,
		AspectRatio:       req.AspectRatio,
		SegmentSeconds:    req.SegmentSeconds,
		MaxSegmentSeconds: req.MaxSegmentSeconds,
		VoiceCfg:          req.VoiceCfg,
		VoiceGenderMode:   req.VoiceGenderMode,
		VoiceGender:       req.VoiceGender,
		ScriptText:        req.ScriptText,
		TotalSegments:     len(chunks),
		Tags:              req.Tags,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	segments := make([]*models.LongformSegment, len(chunks))
	for i, c := range chunks {
		segments[i] = &models.LongformSegment{
			ID:           uuid.New(),
			JobID:        jobID,
			SegmentIndex: i,
			Status:       models.SegQueued,
			TextChunk:    c.TextChunk,
			DurationSec:  c.DurationSec,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	if err := h.jobs.CreateJob(r.Context(), job, segments); err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("create job failed")
		writeAppError(w, err)
		return
	}

	if h.events != nil {
		if err := h.events.Publish(r.Context(), jobID, "job_created"); err != nil {
			log.Warn().Err(err).Str("job_id", jobID.String()).Msg("publish job_created event failed")
		}
	}

	writeJSON(w, http.StatusCreated, models.CreateJobResponse{JobID: jobID})
}

// GetJob handles GET /api/longform/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	resp := models.JobStatusResponse{
		JobID:             job.ID,
		Status:            job.Status,
		TotalSegments:     job.TotalSegments,
		CompletedSegments: job.CompletedSegments,
		ErrorCode:         job.ErrorCode,
		ErrorMessage:      job.ErrorMessage,
	}
	if job.Status == models.JobSucceeded && job.FinalStoragePath != nil {
		url, err := h.blobs.GeneratePresignedURL(*job.FinalStoragePath, h.cfg.SignedURLTTL)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID.String()).Msg("sign final video url failed")
		} else {
			resp.FinalVideoURL = &url
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListSegments handles GET /api/longform/jobs/{id}/segments.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	segs, err := h.segments.ListSegmentsOrdered(r.Context(), job.ID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("list segments failed")
		writeAppError(w, err)
		return
	}

	summaries := make([]models.SegmentSummary, len(segs))
	for i, seg := range segs {
		s := models.SegmentSummary{
			SegmentIndex: seg.SegmentIndex,
			Status:       seg.Status,
			DurationSec:  seg.DurationSec,
			ErrorCode:    seg.ErrorCode,
			ErrorMessage: seg.ErrorMessage,
		}
		if seg.SegmentStoragePath != nil {
			url, err := h.blobs.GeneratePresignedURL(*seg.SegmentStoragePath, h.cfg.SignedURLTTL)
			if err != nil {
				log.Error().Err(err).Str("segment_id", seg.ID.String()).Msg("sign segment video url failed")
			} else {
				s.SegmentVideoURL = &url
			}
		}
		summaries[i] = s
	}

	writeJSON(w, http.StatusOK, summaries)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadOwnedJob resolves {id} from the route, loads the job, and rejects
// with forbidden if the caller's principal does not own it, per §4.9's
// "All user routes must reject requests whose bearer principal does not
// match the job's user_id" rule.
func (h *Handler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*models.LongformJob, bool) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.New(apperr.Auth, "unauthorized", "a bearer token is required"))
		return nil, false
	}

	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, apperr.New(apperr.Validation, "invalid_job_id", "job id is not a valid uuid"))
		return nil, false
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return nil, false
	}
	if !principal.OwnedBy(job.UserID) {
		writeAppError(w, apperr.New(apperr.Forbidden, "forbidden", "you do not have access to this job"))
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeAppError maps an *apperr.Error to its HTTP status; unrecognized
// errors surface as 500 without leaking internal detail.
func writeAppError(w http.ResponseWriter, err error) {
	if e, ok := apperr.As(err); ok {
		writeJSON(w, e.Kind.HTTPStatus(), map[string]string{"error": e.Code, "message": e.Message})
		return
	}
	log.Error().Err(err).Msg("unclassified error reached the HTTP boundary")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": "an internal error occurred"})
}

func writeValidationErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"error":  "validation_failed",
		"fields": fields,
	})
}
