// Package dispatcher runs the long-lived claim loop (§4.8): repeatedly
// claim a queued-or-stale segment, hand it to a Segment Worker under a
// per-stage concurrency budget and per-job fairness cap, then ask the Job
// Controller to reconcile the parent job.
//
// Bounded-concurrency shape (semaphore + WaitGroup + mutex-guarded shared
// state) is grounded on the teacher's job_processor.go segment fan-out;
// graceful shutdown is grounded on cmd/dispatcher/main.go's
// signal-context-cancel-then-wait-with-timeout shape.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
)

// SegmentClaimer is the subset of *database.SegmentRepository the
// dispatcher depends on to claim work.
type SegmentClaimer interface {
	ClaimNextSegment(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration) (*models.LongformSegment, error)
	ReleaseSegment(ctx context.Context, id uuid.UUID) error
}

// JobFetcher is the subset of *database.JobRepository the dispatcher needs
// to load a claimed segment's parent job context.
type JobFetcher interface {
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.LongformJob, error)
}

// SegmentProcessor is the subset of *worker.Worker the dispatcher drives.
type SegmentProcessor interface {
	Process(ctx context.Context, job *models.LongformJob, seg *models.LongformSegment) (models.SegmentStatus, error)
}

// JobReconciler is the subset of *controller.Controller invoked after every
// segment terminal write.
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID uuid.UUID) error
}

// Config holds the dispatcher's scheduling knobs.
type Config struct {
	WorkerID              string
	AudioStageConcurrency int
	VideoStageConcurrency int
	MaxInflightPerJob     int
	PollInterval          time.Duration
	PollJitter            time.Duration
	SegmentLockTTL        time.Duration
}

// Dispatcher is a long-lived claim loop. One Dispatcher runs per worker
// process; many processes coordinate purely through the database's
// claim/lock protocol (§5).
type Dispatcher struct {
	segments SegmentClaimer
	jobs     JobFetcher
	worker   SegmentProcessor
	jobCtl   JobReconciler
	cfg      Config

	audioSem chan struct{}
	videoSem chan struct{}

	mu       sync.Mutex
	inflight map[uuid.UUID]int // per-job inflight segment count, for fairness
}

// New constructs a Dispatcher.
func New(segments SegmentClaimer, jobs JobFetcher, worker SegmentProcessor, jobCtl JobReconciler, cfg Config) *Dispatcher {
	if cfg.AudioStageConcurrency < 1 {
		cfg.AudioStageConcurrency = 1
	}
	if cfg.VideoStageConcurrency < 1 {
		cfg.VideoStageConcurrency = 1
	}
	if cfg.MaxInflightPerJob < 1 {
		cfg.MaxInflightPerJob = 1
	}
	return &Dispatcher{
		segments: segments,
		jobs:     jobs,
		worker:   worker,
		jobCtl:   jobCtl,
		cfg:      cfg,
		audioSem: make(chan struct{}, cfg.AudioStageConcurrency),
		videoSem: make(chan struct{}, cfg.VideoStageConcurrency),
		inflight: make(map[uuid.UUID]int),
	}
}

// Run blocks, claiming and dispatching segments until ctx is cancelled. It
// waits for all in-flight segment tasks to finish before returning, so
// callers can bound shutdown with their own timeout around Run's return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seg, err := d.segments.ClaimNextSegment(ctx, d.cfg.WorkerID, time.Now(), d.cfg.SegmentLockTTL)
		if err != nil {
			log.Error().Err(err).Msg("claim segment failed")
			if !d.sleepWithJitter(ctx) {
				return
			}
			continue
		}
		if seg == nil {
			if !d.sleepWithJitter(ctx) {
				return
			}
			continue
		}

		if !d.admitForFairness(seg.JobID) {
			// Job already at its per-job inflight cap; release the lock
			// immediately so another dispatcher (or this one, next loop)
			// can pick up a segment from a less-busy job without waiting
			// out the full lock TTL.
			if err := d.segments.ReleaseSegment(ctx, seg.ID); err != nil {
				log.Error().Err(err).Str("segment_id", seg.ID.String()).Msg("release segment failed")
			}
			if !d.sleepWithJitter(ctx) {
				return
			}
			continue
		}

		wg.Add(1)
		go func(seg *models.LongformSegment) {
			defer wg.Done()
			defer d.releaseForFairness(seg.JobID)
			d.dispatchSegment(ctx, seg)
		}(seg)
	}
}

// dispatchSegment drives a claimed segment through every remaining stage
// before giving up its claim, swapping between the audio and video stage
// semaphores as the segment transitions (§4.8 step 1 budgets the two stages
// separately, so each stage only ever holds its own semaphore slot, never
// both at once). Process advances exactly one stage per call, so this loop
// re-drives it immediately on a stage handoff instead of returning the
// segment to the claim queue — the lock-TTL reclaim in ClaimNextSegment is
// for crash recovery, not the normal audio-to-video transition.
func (d *Dispatcher) dispatchSegment(ctx context.Context, seg *models.LongformSegment) {
	job, err := d.jobs.GetByID(ctx, seg.JobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", seg.JobID.String()).Msg("could not load job for claimed segment")
		return
	}

	status := seg.Status
	for status == models.SegAudioRunning || status == models.SegVideoRunning {
		sem := d.audioSem
		if status == models.SegVideoRunning {
			sem = d.videoSem
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		status, err = d.worker.Process(ctx, job, seg)
		<-sem

		if err != nil {
			log.Error().Err(err).Str("job_id", seg.JobID.String()).Int("segment_index", seg.SegmentIndex).Msg("segment processing error")
			break
		}
	}

	if status == models.SegSucceeded || status == models.SegFailed {
		if err := d.jobCtl.Reconcile(ctx, seg.JobID); err != nil && apperr.KindOf(err) != apperr.Stale {
			log.Error().Err(err).Str("job_id", seg.JobID.String()).Msg("job reconcile failed")
		}
	}
}

// admitForFairness reports whether jobID is under its per-job inflight cap
// and, if so, reserves a slot.
func (d *Dispatcher) admitForFairness(jobID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[jobID] >= d.cfg.MaxInflightPerJob {
		return false
	}
	d.inflight[jobID]++
	return true
}

func (d *Dispatcher) releaseForFairness(jobID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[jobID]--
	if d.inflight[jobID] <= 0 {
		delete(d.inflight, jobID)
	}
}

// sleepWithJitter waits PollInterval plus a random extra delay in
// [0, PollJitter), or returns false early if ctx is cancelled first.
func (d *Dispatcher) sleepWithJitter(ctx context.Context) bool {
	delay := d.cfg.PollInterval
	if d.cfg.PollJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(d.cfg.PollJitter)))
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
