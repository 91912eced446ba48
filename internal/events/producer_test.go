package events

import (
	"testing"

	"github.com/google/uuid"
)

func TestPublish_NoopWithoutBrokers(t *testing.T) {
	p := NewProducer(nil, "longform.job-events.v1")

	if err := p.Publish(t.Context(), uuid.New(), "job_created"); err != nil {
		t.Fatalf("expected no-op publish to succeed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected no-op close to succeed, got %v", err)
	}
}
