package webhookclient

import (
	"testing"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/config"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/events"
)

func TestHandleEvent_IgnoresJobCreated(t *testing.T) {
	// A nil *database.DB is safe here: job_created returns before the
	// handler ever touches jobRepo. Terminal events do reach jobRepo and
	// need a real database; no test in this package covers them.
	s := NewService(&database.DB{}, &config.Config{}, func(uuid.UUID) (string, *string) {
		return "", nil
	})

	evt := &events.JobEvent{JobID: uuid.New(), Event: "job_created"}
	if err := s.HandleEvent(t.Context(), evt); err != nil {
		t.Fatalf("expected job_created to be ignored without error, got %v", err)
	}
}
