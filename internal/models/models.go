package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a LongformJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobStitching JobStatus = "stitching"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// SegmentStatus is the lifecycle state of a LongformSegment.
type SegmentStatus string

const (
	SegQueued       SegmentStatus = "queued"
	SegAudioRunning SegmentStatus = "audio_running"
	SegVideoRunning SegmentStatus = "video_running"
	SegSucceeded    SegmentStatus = "succeeded"
	SegFailed       SegmentStatus = "failed"
)

// AspectRatio is one of the three supported output framings.
type AspectRatio string

const (
	Aspect16x9 AspectRatio = "16:9"
	Aspect9x16 AspectRatio = "9:16"
	Aspect1x1  AspectRatio = "1:1"
)

// VoiceGenderMode selects whether voice gender is inferred or pinned.
type VoiceGenderMode string

const (
	VoiceGenderAuto   VoiceGenderMode = "auto"
	VoiceGenderManual VoiceGenderMode = "manual"
)

// VoiceConfig carries the voice synthesis parameters. Extra is not filled by
// JSON decoding and not written by JSON encoding, so keys other than locale,
// voice and output_format are dropped when a VoiceConfig passes through JSON.
type VoiceConfig struct {
	Locale       string         `json:"locale"`
	Voice        string         `json:"voice,omitempty"`
	OutputFormat string         `json:"output_format"`
	Extra        map[string]any `json:"-"`
}

// LongformJob is the durable header row for one composition request.
type LongformJob struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Status            JobStatus       `json:"status"`
	FaceArtifactID    uuid.UUID       `json:"face_artifact_id"`
	AspectRatio       AspectRatio     `json:"aspect_ratio"`
	SegmentSeconds    int             `json:"segment_seconds"`
	MaxSegmentSeconds int             `json:"max_segment_seconds"`
	VoiceCfg          VoiceConfig     `json:"voice_cfg"`
	VoiceGenderMode   VoiceGenderMode `json:"voice_gender_mode"`
	VoiceGender       *string         `json:"voice_gender,omitempty"`
	ScriptText        string          `json:"-"`
	TotalSegments     int             `json:"total_segments"`
	CompletedSegments int             `json:"completed_segments"`
	FinalStoragePath  *string         `json:"-"`
	Tags              map[string]any  `json:"tags,omitempty"`
	AuthToken         string          `json:"-"`
	WebhookURL        *string         `json:"-"`
	WebhookSecret     *string         `json:"-"`
	ErrorCode         *string         `json:"error_code,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LongformSegment is one bounded-duration slice of the script and the unit
// of work driven through the two-stage pipeline.
type LongformSegment struct {
	ID                  uuid.UUID     `json:"id"`
	JobID               uuid.UUID     `json:"job_id"`
	SegmentIndex        int           `json:"segment_index"`
	Status              SegmentStatus `json:"status"`
	TextChunk           string        `json:"-"`
	DurationSec         int           `json:"duration_sec"`
	TTSJobID            *string       `json:"-"`
	AudioURL            *string       `json:"-"`
	AudioStoragePath    *string       `json:"-"`
	AudioArtifactID     *string       `json:"-"`
	FusionJobID         *string       `json:"-"`
	ProviderJobID       *string       `json:"-"`
	SegmentVideoURL     *string       `json:"segment_video_url,omitempty"`
	SegmentStoragePath  *string       `json:"-"`
	LockedAt            *time.Time    `json:"-"`
	LockedBy            *string       `json:"-"`
	ErrorCode           *string       `json:"error_code,omitempty"`
	ErrorMessage        *string       `json:"error_message,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// IsLocked reports whether the segment currently holds a worker claim.
func (s *LongformSegment) IsLocked() bool {
	return s.LockedBy != nil && s.LockedAt != nil
}

// CreateJobRequest is the POST /api/longform/jobs payload.
type CreateJobRequest struct {
	FaceArtifactID    uuid.UUID       `json:"face_artifact_id"`
	AspectRatio       AspectRatio     `json:"aspect_ratio"`
	VoiceCfg          VoiceConfig     `json:"voice_cfg"`
	SegmentSeconds    int             `json:"segment_seconds"`
	MaxSegmentSeconds int             `json:"max_segment_seconds"`
	VoiceGenderMode   VoiceGenderMode `json:"voice_gender_mode"`
	VoiceGender       *string         `json:"voice_gender"`
	ScriptText        string          `json:"script_text"`
	Tags              map[string]any  `json:"tags,omitempty"`
}

// CreateJobResponse is the 201 response to job creation.
type CreateJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// JobStatusResponse is the GET /api/longform/jobs/{id} response.
type JobStatusResponse struct {
	JobID             uuid.UUID `json:"job_id"`
	Status            JobStatus `json:"status"`
	TotalSegments     int       `json:"total_segments"`
	CompletedSegments int       `json:"completed_segments"`
	FinalVideoURL     *string   `json:"final_video_url"`
	ErrorCode         *string   `json:"error_code,omitempty"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
}

// WebhookDelivery tracks one outbound notification attempt for a job's
// terminal state (supplemental feature, not part of the core contract).
type WebhookDelivery struct {
	ID            uuid.UUID  `json:"id"`
	JobID         uuid.UUID  `json:"job_id"`
	URL           string     `json:"url"`
	Status        string     `json:"status"` // pending, sent, failed
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SegmentSummary is one entry of the GET .../segments response.
type SegmentSummary struct {
	SegmentIndex       int     `json:"segment_index"`
	Status             SegmentStatus `json:"status"`
	SegmentVideoURL    *string `json:"segment_video_url,omitempty"`
	DurationSec        int     `json:"duration_sec"`
	ErrorCode          *string `json:"error_code,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}
