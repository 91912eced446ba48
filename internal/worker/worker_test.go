package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/fusionclient"
	"github.com/snappy-loop/longform/internal/models"
	"github.com/snappy-loop/longform/internal/ttsclient"
)

// fakeSegmentStore is an in-memory SegmentStore good enough to exercise the
// conditional-update contract without a live database.
type fakeSegmentStore struct {
	mu  sync.Mutex
	seg *models.LongformSegment
}

func (f *fakeSegmentStore) UpdateSegment(ctx context.Context, id uuid.UUID, expected models.SegmentStatus, mutate database.SegmentMutator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seg.Status != expected {
		return apperr.New(apperr.Stale, "segment_status_stale", "segment status changed concurrently")
	}
	mutate(f.seg)
	return nil
}

type fakeTTS struct {
	submitCalls int
	submitErr   error
	pollResults []*ttsclient.PollResult
	pollErrs    []error
	pollCalls   int
}

func (f *fakeTTS) Submit(ctx context.Context, req ttsclient.SubmitRequest) (string, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "tts-job-1", nil
}

func (f *fakeTTS) PollUntilTerminal(ctx context.Context, ttsJobID string, base, capDur time.Duration) (*ttsclient.PollResult, error) {
	idx := f.pollCalls
	f.pollCalls++
	if idx < len(f.pollErrs) && f.pollErrs[idx] != nil {
		return nil, f.pollErrs[idx]
	}
	if idx < len(f.pollResults) {
		return f.pollResults[idx], nil
	}
	return f.pollResults[len(f.pollResults)-1], nil
}

type fakeFusion struct {
	submitCalls int
	submitErr   error
	pollResults []*fusionclient.PollResult
	pollErrs    []error
	pollCalls   int
}

func (f *fakeFusion) Submit(ctx context.Context, req fusionclient.SubmitRequest) (*fusionclient.SubmitResult, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &fusionclient.SubmitResult{FusionJobID: "fusion-job-1", ProviderJobID: "provider-1"}, nil
}

func (f *fakeFusion) PollUntilTerminal(ctx context.Context, fusionJobID string, base, capDur time.Duration) (*fusionclient.PollResult, error) {
	idx := f.pollCalls
	f.pollCalls++
	if idx < len(f.pollErrs) && f.pollErrs[idx] != nil {
		return nil, f.pollErrs[idx]
	}
	if idx < len(f.pollResults) {
		return f.pollResults[idx], nil
	}
	return f.pollResults[len(f.pollResults)-1], nil
}

func testConfig() Config {
	return Config{
		TTSMaxAttempts:    3,
		FusionMaxAttempts: 2,
		PollBackoffBase:   time.Millisecond,
		PollBackoffCap:    2 * time.Millisecond,
		RetryBackoffCap:   2 * time.Millisecond,
		FusionPollBudget:  time.Second,
	}
}

func newJob() *models.LongformJob {
	return &models.LongformJob{ID: uuid.New(), UserID: uuid.New(), FaceArtifactID: uuid.New(), AspectRatio: models.Aspect16x9}
}

func TestProcess_AudioStageSucceeds(t *testing.T) {
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), SegmentIndex: 0, Status: models.SegAudioRunning, TextChunk: "hello"}
	store := &fakeSegmentStore{seg: seg}
	tts := &fakeTTS{pollResults: []*ttsclient.PollResult{{Status: ttsclient.StatusSucceeded, AudioURL: "https://x/a.mp3", AudioStoragePath: "longform/j/0.m4a"}}}
	w := New(store, tts, &fakeFusion{}, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegVideoRunning {
		t.Fatalf("got status %v, want video_running", status)
	}
	if seg.TTSJobID == nil || *seg.TTSJobID != "tts-job-1" {
		t.Errorf("tts_job_id not persisted: %+v", seg.TTSJobID)
	}
	if seg.AudioStoragePath == nil || *seg.AudioStoragePath != "longform/j/0.m4a" {
		t.Errorf("audio_storage_path not persisted: %+v", seg.AudioStoragePath)
	}
	if tts.submitCalls != 1 {
		t.Errorf("expected exactly one submit call, got %d", tts.submitCalls)
	}
}

func TestProcess_AudioStageResumesWithoutResubmitting(t *testing.T) {
	existing := "tts-already-submitted"
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegAudioRunning, TTSJobID: &existing}
	store := &fakeSegmentStore{seg: seg}
	tts := &fakeTTS{pollResults: []*ttsclient.PollResult{{Status: ttsclient.StatusSucceeded, AudioURL: "u", AudioStoragePath: "p"}}}
	w := New(store, tts, &fakeFusion{}, testConfig())

	_, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tts.submitCalls != 0 {
		t.Errorf("expected no submit call when tts_job_id already set, got %d", tts.submitCalls)
	}
}

func TestProcess_AudioStageValidationFailureIsTerminalImmediately(t *testing.T) {
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegAudioRunning}
	store := &fakeSegmentStore{seg: seg}
	tts := &fakeTTS{submitErr: apperr.New(apperr.Validation, "bad_voice_cfg", "invalid voice config")}
	w := New(store, tts, &fakeFusion{}, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegFailed {
		t.Fatalf("got status %v, want failed", status)
	}
	if tts.submitCalls != 1 {
		t.Errorf("validation errors should not be retried, got %d submit calls", tts.submitCalls)
	}
	if seg.ErrorCode == nil || *seg.ErrorCode != string(apperr.Validation) {
		t.Errorf("error_code = %+v, want validation", seg.ErrorCode)
	}
}

func TestProcess_AudioStageRetriesTransientThenSucceeds(t *testing.T) {
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegAudioRunning}
	store := &fakeSegmentStore{seg: seg}
	tts := &fakeTTS{
		pollErrs: []error{
			apperr.New(apperr.Transient, "timeout", "upstream timeout"),
			nil,
		},
		pollResults: []*ttsclient.PollResult{
			nil,
			{Status: ttsclient.StatusSucceeded, AudioURL: "u", AudioStoragePath: "p"},
		},
	}
	w := New(store, tts, &fakeFusion{}, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegVideoRunning {
		t.Fatalf("got status %v, want video_running", status)
	}
	if tts.submitCalls != 1 {
		t.Errorf("expected no resubmit on retry once tts_job_id is set, got %d submit calls", tts.submitCalls)
	}
	if tts.pollCalls != 2 {
		t.Errorf("expected a re-poll after the transient failure, got %d poll calls", tts.pollCalls)
	}
}

func TestProcess_AudioStageExhaustsRetriesAndFails(t *testing.T) {
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegAudioRunning}
	store := &fakeSegmentStore{seg: seg}
	transientErr := apperr.New(apperr.Transient, "timeout", "upstream timeout")
	tts := &fakeTTS{pollErrs: []error{transientErr, transientErr, transientErr}}
	w := New(store, tts, &fakeFusion{}, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegFailed {
		t.Fatalf("got status %v, want failed", status)
	}
	if tts.submitCalls != 1 {
		t.Errorf("expected a single submit (tts_job_id persists across retries), got %d", tts.submitCalls)
	}
	if tts.pollCalls != 3 {
		t.Errorf("expected 3 poll attempts (TTSMaxAttempts), got %d", tts.pollCalls)
	}
}

func TestProcess_VideoStageSucceeds(t *testing.T) {
	audioURL, audioPath := "https://x/a.mp3", "longform/j/0.m4a"
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegVideoRunning, AudioURL: &audioURL, AudioStoragePath: &audioPath}
	store := &fakeSegmentStore{seg: seg}
	fusion := &fakeFusion{pollResults: []*fusionclient.PollResult{{Status: fusionclient.StatusSucceeded, VideoURL: "https://x/v.mp4", VideoStoragePath: "longform/j/0.mp4"}}}
	w := New(store, &fakeTTS{}, fusion, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegSucceeded {
		t.Fatalf("got status %v, want succeeded", status)
	}
	if seg.LockedBy != nil || seg.LockedAt != nil {
		t.Errorf("expected lock released on success, got LockedBy=%+v LockedAt=%+v", seg.LockedBy, seg.LockedAt)
	}
}

func TestProcess_VideoStagePolicyFailureIsTerminal(t *testing.T) {
	seg := &models.LongformSegment{ID: uuid.New(), JobID: uuid.New(), Status: models.SegVideoRunning}
	store := &fakeSegmentStore{seg: seg}
	fusion := &fakeFusion{pollResults: []*fusionclient.PollResult{{Status: fusionclient.StatusFailed, ErrorCode: "consent_revoked"}}}
	w := New(store, &fakeTTS{}, fusion, testConfig())

	status, err := w.Process(t.Context(), newJob(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.SegFailed {
		t.Fatalf("got status %v, want failed", status)
	}
	if seg.ErrorCode == nil || *seg.ErrorCode != string(apperr.Policy) {
		t.Errorf("error_code = %+v, want policy", seg.ErrorCode)
	}
}
