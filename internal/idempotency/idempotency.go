// Package idempotency derives the stable key the TTS and Fusion clients pass
// to their upstream services so a resubmission after a crash (before the
// resulting job id was durably recorded) lands on the same upstream job
// instead of creating a duplicate.
package idempotency

import (
	"fmt"

	"github.com/google/uuid"
)

// Key derives a deterministic idempotency key from (job_id, segment_index,
// stage). stage is "audio" for TTS submissions and "video" for Fusion
// submissions.
func Key(jobID uuid.UUID, segmentIndex int, stage string) string {
	return fmt.Sprintf("%s:%d:%s", jobID, segmentIndex, stage)
}
