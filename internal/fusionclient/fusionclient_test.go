package fusionclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
)

func TestSubmit_ReturnsIdempotencyKeyedJob(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitWireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotKey = req.IdempotencyKey
		json.NewEncoder(w).Encode(submitWireResponse{FusionJobID: "fusion-123", ProviderJobID: "provider-abc"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	jobID := uuid.New()
	result, err := c.Submit(t.Context(), SubmitRequest{
		FaceArtifactID:   uuid.New(),
		AudioStoragePath: "longform/j/seg-0.m4a",
		AspectRatio:      models.Aspect9x16,
		Consent:          ConsentFlags{FaceUsageConsented: true},
		JobID:            jobID,
		SegmentIndex:     1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FusionJobID != "fusion-123" || result.ProviderJobID != "provider-abc" {
		t.Errorf("got %+v, want fusion-123/provider-abc", result)
	}
	want := jobID.String() + ":1:video"
	if gotKey != want {
		t.Errorf("idempotency key = %q, want %q", gotKey, want)
	}
}

func TestPoll_ClassifiesForbiddenAsPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"consent required"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.Poll(t.Context(), "fusion-123")
	if apperr.KindOf(err) != apperr.Policy {
		t.Fatalf("got kind %v, want Policy", apperr.KindOf(err))
	}
}

func TestPollUntilTerminal_BudgetExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pollWireResponse{Status: StatusRunning})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := c.PollUntilTerminal(ctx, "fusion-123", time.Millisecond, 5*time.Millisecond)
	if apperr.KindOf(err) != apperr.Transient {
		t.Fatalf("got kind %v, want Transient (budget exceeded)", apperr.KindOf(err))
	}
}
