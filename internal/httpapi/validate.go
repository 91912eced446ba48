package httpapi

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/models"
)

// validateCreateRequest checks CreateJobRequest against §6's contract and
// returns a field->message map for a 422 response; an empty map means the
// request is valid.
func (h *Handler) validateCreateRequest(req *models.CreateJobRequest) map[string]string {
	fields := map[string]string{}

	if req.FaceArtifactID == uuid.Nil {
		fields["face_artifact_id"] = "is required"
	}

	switch req.AspectRatio {
	case models.Aspect16x9, models.Aspect9x16, models.Aspect1x1:
	default:
		fields["aspect_ratio"] = "must be one of 16:9, 9:16, 1:1"
	}

	if req.VoiceCfg.Locale == "" {
		fields["voice_cfg.locale"] = "is required"
	}
	if req.VoiceCfg.OutputFormat == "" {
		fields["voice_cfg.output_format"] = "is required"
	}

	min := h.cfg.MinSegmentSeconds
	max := h.cfg.MaxSegmentSecondsCap
	if req.SegmentSeconds < min || req.SegmentSeconds > max {
		fields["segment_seconds"] = rangeMessage(min, max)
	}
	if req.MaxSegmentSeconds < min || req.MaxSegmentSeconds > max {
		fields["max_segment_seconds"] = rangeMessage(min, max)
	}
	if req.SegmentSeconds > 0 && req.MaxSegmentSeconds > 0 && req.SegmentSeconds > req.MaxSegmentSeconds {
		fields["segment_seconds"] = "must not exceed max_segment_seconds"
	}

	switch req.VoiceGenderMode {
	case models.VoiceGenderAuto:
	case models.VoiceGenderManual:
		if req.VoiceGender == nil || (*req.VoiceGender != "male" && *req.VoiceGender != "female") {
			fields["voice_gender"] = "must be male or female when voice_gender_mode is manual"
		}
	default:
		fields["voice_gender_mode"] = "must be auto or manual"
	}

	if strings.TrimSpace(req.ScriptText) == "" {
		fields["script_text"] = "is required"
	}

	return fields
}

func rangeMessage(min, max int) string {
	return "must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max) + " seconds"
}
