package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/auth"
	"github.com/snappy-loop/longform/internal/models"
)

type fakeJobStore struct {
	createJobFn func(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error
	jobs        map[uuid.UUID]*models.LongformJob
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error {
	if f.createJobFn != nil {
		return f.createJobFn(ctx, job, segments)
	}
	if f.jobs == nil {
		f.jobs = map[uuid.UUID]*models.LongformJob{}
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, jobID uuid.UUID) (*models.LongformJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "job_not_found", "job not found")
	}
	return job, nil
}

type fakeSegmentLister struct {
	segs []*models.LongformSegment
}

func (f *fakeSegmentLister) ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error) {
	return f.segs, nil
}

type fakeSigner struct{}

func (fakeSigner) GeneratePresignedURL(key string, expiration time.Duration) (string, error) {
	return "https://example/" + key, nil
}

type fakeHealthChecker struct{ err error }

func (f fakeHealthChecker) Health() error { return f.err }

type fakeEventPublisher struct {
	published []uuid.UUID
}

func (f *fakeEventPublisher) Publish(ctx context.Context, jobID uuid.UUID, event string) error {
	f.published = append(f.published, jobID)
	return nil
}

func testConfig() Config {
	return Config{DefaultWPM: 150, MinSegmentSeconds: 5, MaxSegmentSecondsCap: 120, SignedURLTTL: 15 * time.Minute}
}

func withContextPrincipal(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(auth.NewContext(r.Context(), p))
}

func TestCreateJob_UnauthenticatedIsRejected(t *testing.T) {
	h := NewHandler(&fakeJobStore{}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/api/longform/jobs", body)
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob_InvalidBodyIsRejected(t *testing.T) {
	h := NewHandler(&fakeJobStore{}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	body := bytes.NewBufferString(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/api/longform/jobs", body)
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: uuid.New()})
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob_ValidationFailureReturnsFieldDetails(t *testing.T) {
	h := NewHandler(&fakeJobStore{}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	req := newCreateJobRequest(t, models.CreateJobRequest{
		// Missing face_artifact_id, aspect_ratio, voice_cfg, script_text.
		SegmentSeconds:    30,
		MaxSegmentSeconds: 60,
		VoiceGenderMode:   models.VoiceGenderAuto,
	})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: uuid.New()})
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, field := range []string{"face_artifact_id", "aspect_ratio", "script_text"} {
		if _, ok := resp.Fields[field]; !ok {
			t.Errorf("expected a validation error for %q, got %v", field, resp.Fields)
		}
	}
}

func TestCreateJob_ValidRequestSegmentsAndPersists(t *testing.T) {
	var created *models.LongformJob
	var createdSegments []*models.LongformSegment
	store := &fakeJobStore{createJobFn: func(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error {
		created = job
		createdSegments = segments
		return nil
	}}
	events := &fakeEventPublisher{}
	h := NewHandler(store, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, events, testConfig())

	userID := uuid.New()
	req := newCreateJobRequest(t, models.CreateJobRequest{
		FaceArtifactID:    uuid.New(),
		AspectRatio:       models.Aspect9x16,
		VoiceCfg:          models.VoiceConfig{Locale: "en-US", OutputFormat: "mp3"},
		SegmentSeconds:    30,
		MaxSegmentSeconds: 60,
		VoiceGenderMode:   models.VoiceGenderAuto,
		ScriptText:        "Hello there. This is a short script. It has a few sentences.",
	})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: userID})
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if created == nil {
		t.Fatal("expected job to be persisted")
	}
	if created.UserID != userID {
		t.Errorf("expected job owned by caller %s, got %s", userID, created.UserID)
	}
	if len(createdSegments) == 0 {
		t.Error("expected at least one segment to be created from the script")
	}
	if created.TotalSegments != len(createdSegments) {
		t.Errorf("total_segments %d != len(segments) %d", created.TotalSegments, len(createdSegments))
	}
	if len(events.published) != 1 || events.published[0] != created.ID {
		t.Errorf("expected a job_created event for %s, got %v", created.ID, events.published)
	}
}

func TestGetJob_ForbiddenWhenPrincipalDoesNotOwnJob(t *testing.T) {
	ownerID := uuid.New()
	jobID := uuid.New()
	store := &fakeJobStore{jobs: map[uuid.UUID]*models.LongformJob{
		jobID: {ID: jobID, UserID: ownerID, Status: models.JobRunning},
	}}
	h := NewHandler(store, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/longform/jobs/"+jobID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": jobID.String()})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: uuid.New()})
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJob_NotFoundForUnknownID(t *testing.T) {
	h := NewHandler(&fakeJobStore{jobs: map[uuid.UUID]*models.LongformJob{}}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	jobID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/longform/jobs/"+jobID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": jobID.String()})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: uuid.New()})
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJob_SucceededJobIncludesSignedFinalURL(t *testing.T) {
	ownerID := uuid.New()
	jobID := uuid.New()
	finalPath := "longform/" + jobID.String() + "/final.mp4"
	store := &fakeJobStore{jobs: map[uuid.UUID]*models.LongformJob{
		jobID: {ID: jobID, UserID: ownerID, Status: models.JobSucceeded, FinalStoragePath: &finalPath, TotalSegments: 2, CompletedSegments: 2},
	}}
	h := NewHandler(store, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/longform/jobs/"+jobID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": jobID.String()})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: ownerID})
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.JobStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FinalVideoURL == nil || *resp.FinalVideoURL == "" {
		t.Error("expected a signed final_video_url on a succeeded job")
	}
}

func TestListSegments_ReturnsOrderedSummariesWithSignedURLs(t *testing.T) {
	ownerID := uuid.New()
	jobID := uuid.New()
	videoPath := "longform/" + jobID.String() + "/seg-0.mp4"
	store := &fakeJobStore{jobs: map[uuid.UUID]*models.LongformJob{
		jobID: {ID: jobID, UserID: ownerID, Status: models.JobRunning},
	}}
	lister := &fakeSegmentLister{segs: []*models.LongformSegment{
		{SegmentIndex: 0, Status: models.SegSucceeded, SegmentStoragePath: &videoPath, DurationSec: 30},
		{SegmentIndex: 1, Status: models.SegAudioRunning, DurationSec: 30},
	}}
	h := NewHandler(store, lister, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/longform/jobs/"+jobID.String()+"/segments", nil)
	req = mux.SetURLVars(req, map[string]string{"id": jobID.String()})
	req = withContextPrincipal(req, auth.Principal{Kind: auth.KindUserJWT, UserSub: ownerID})
	rec := httptest.NewRecorder()

	h.ListSegments(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp []models.SegmentSummary
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(resp))
	}
	if resp[0].SegmentVideoURL == nil {
		t.Error("expected a signed segment_video_url for the succeeded segment")
	}
	if resp[1].SegmentVideoURL != nil {
		t.Error("expected no segment_video_url for the still-running segment")
	}
}

func TestHealth_ReportsDatabaseStatus(t *testing.T) {
	h := NewHandler(&fakeJobStore{}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{}, nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	h2 := NewHandler(&fakeJobStore{}, &fakeSegmentLister{}, fakeSigner{}, fakeHealthChecker{err: context.DeadlineExceeded}, nil, testConfig())
	rec2 := httptest.NewRecorder()
	h2.Health(rec2, req)
	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec2.Code)
	}
}

func newCreateJobRequest(t *testing.T, body models.CreateJobRequest) *http.Request {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/longform/jobs", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	return req
}
