package webhookclient

import (
	"context"

	"github.com/snappy-loop/longform/internal/events"
)

// HandleEvent implements events.Handler, bridging the Kafka-backed
// job-created/job-terminal topic to webhook delivery. job_created events are
// ignored — only a job reaching a terminal state has anything worth
// notifying a webhook about.
func (s *Service) HandleEvent(ctx context.Context, evt *events.JobEvent) error {
	if evt.Event != "job_succeeded" && evt.Event != "job_failed" {
		return nil
	}
	return s.NotifyTerminal(ctx, evt.JobID)
}
