package stitcher

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/longform/internal/models"
)

type fakeSegmentLister struct {
	segs []*models.LongformSegment
}

func (f *fakeSegmentLister) ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error) {
	return f.segs, nil
}

type fakeJobFinalizer struct {
	mu           sync.Mutex
	succeededAt  string
	failedCode   string
	failedReason string
}

func (f *fakeJobFinalizer) FinalizeStitchSuccess(ctx context.Context, jobID uuid.UUID, finalStoragePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeededAt = finalStoragePath
	return nil
}

func (f *fakeJobFinalizer) FinalizeStitchFailure(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCode = errorCode
	f.failedReason = errorMessage
	return nil
}

// fakeBlobStore is an in-memory object store good enough to drive the
// download/upload/exists paths without a network dependency.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = buf
	return nil
}

func (f *fakeBlobStore) GeneratePresignedURL(key string, expiration time.Duration) (string, error) {
	return "https://example/" + key, nil
}

func (f *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestStitch_MissingSegmentInputFailsJob(t *testing.T) {
	jobID := uuid.New()
	segs := []*models.LongformSegment{
		{SegmentIndex: 0, Status: models.SegSucceeded, SegmentStoragePath: strPtr("longform/j/seg-0.mp4")},
		{SegmentIndex: 1, Status: models.SegVideoRunning},
	}
	finalizer := &fakeJobFinalizer{}
	s := New(&fakeSegmentLister{segs: segs}, finalizer, newFakeBlobStore(), t.TempDir(), "ffmpeg")

	err := s.Stitch(t.Context(), jobID)
	if err == nil {
		t.Fatal("expected an error for a job with an unready segment")
	}
	if finalizer.failedCode == "" {
		t.Error("expected job to be marked failed")
	}
}

func TestStitch_NoSegmentsFailsJob(t *testing.T) {
	jobID := uuid.New()
	finalizer := &fakeJobFinalizer{}
	s := New(&fakeSegmentLister{}, finalizer, newFakeBlobStore(), t.TempDir(), "ffmpeg")

	if err := s.Stitch(t.Context(), jobID); err == nil {
		t.Fatal("expected an error for a job with no segments")
	}
	if finalizer.failedCode != "stitch_no_segments" {
		t.Errorf("error_code = %q, want stitch_no_segments", finalizer.failedCode)
	}
}

func TestStitch_SkipsReStitchWhenFinalArtifactAlreadyExists(t *testing.T) {
	jobID := uuid.New()
	segs := []*models.LongformSegment{
		{SegmentIndex: 0, Status: models.SegSucceeded, SegmentStoragePath: strPtr("longform/j/seg-0.mp4")},
	}
	blobs := newFakeBlobStore()
	finalKey := "longform/" + jobID.String() + "/final.mp4"
	blobs.objects[finalKey] = []byte("already-stitched")

	finalizer := &fakeJobFinalizer{}
	s := New(&fakeSegmentLister{segs: segs}, finalizer, blobs, t.TempDir(), "ffmpeg")

	if err := s.Stitch(t.Context(), jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if finalizer.succeededAt != finalKey {
		t.Errorf("expected idempotent finalize to reuse existing artifact, got %q", finalizer.succeededAt)
	}
}

func TestStitch_ConcatenatesAndUploads(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available in this environment")
	}

	jobID := uuid.New()
	blobs := newFakeBlobStore()
	blobs.objects["longform/j/seg-0.mp4"] = sampleMP4(t)
	blobs.objects["longform/j/seg-1.mp4"] = sampleMP4(t)

	segs := []*models.LongformSegment{
		{SegmentIndex: 0, Status: models.SegSucceeded, SegmentStoragePath: strPtr("longform/j/seg-0.mp4")},
		{SegmentIndex: 1, Status: models.SegSucceeded, SegmentStoragePath: strPtr("longform/j/seg-1.mp4")},
	}
	finalizer := &fakeJobFinalizer{}
	s := New(&fakeSegmentLister{segs: segs}, finalizer, blobs, t.TempDir(), "ffmpeg")

	if err := s.Stitch(t.Context(), jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if finalizer.succeededAt == "" {
		t.Error("expected job to be finalized as succeeded")
	}
}

func strPtr(s string) *string { return &s }

// sampleMP4 generates a tiny valid MP4 container via ffmpeg itself so the
// concat test exercises a real file rather than an opaque byte string.
func sampleMP4(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	out := dir + "/sample.mp4"
	cmd := exec.Command("ffmpeg", "-y", "-f", "lavfi", "-i", "color=c=black:s=32x32:d=1",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", out)
	if err := cmd.Run(); err != nil {
		t.Skipf("could not generate sample mp4: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read sample mp4: %v", err)
	}
	return data
}
