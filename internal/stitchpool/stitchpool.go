// Package stitchpool bridges the Job Controller's synchronous stitch
// trigger to the Stitcher's (potentially slow) ffmpeg concat-and-upload
// work, running it through a bounded worker pool so a burst of jobs
// finishing their segments at once cannot spawn unbounded concurrent
// ffmpeg processes. Shape grounded on the teacher's job_processor.go
// semaphore-plus-WaitGroup fan-out, the same pattern internal/dispatcher
// reuses for segment concurrency.
package stitchpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stitcher is the subset of *stitcher.Stitcher the pool drives.
type Stitcher interface {
	Stitch(ctx context.Context, jobID uuid.UUID) error
}

// Pool runs stitch jobs with bounded concurrency. It satisfies
// controller.StitchTrigger.
type Pool struct {
	ctx      context.Context
	stitcher Stitcher
	sem      chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool. ctx bounds every stitch task's lifetime and the
// pool's own shutdown: cancelling it causes queued tasks that have not yet
// acquired a slot to abandon without running.
func New(ctx context.Context, s Stitcher, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{ctx: ctx, stitcher: s, sem: make(chan struct{}, concurrency)}
}

// TriggerStitch enqueues jobID for stitching and returns immediately; the
// stitch itself runs asynchronously once a pool slot is free.
func (p *Pool) TriggerStitch(jobID uuid.UUID) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		defer func() { <-p.sem }()
		if p.ctx.Err() != nil {
			return
		}

		if err := p.stitcher.Stitch(p.ctx, jobID); err != nil {
			log.Error().Err(err).Str("job_id", jobID.String()).Msg("stitch task failed")
		}
	}()
}

// Wait blocks until every in-flight stitch task has returned. Called during
// graceful shutdown after the dispatcher's own Run has returned, so no new
// stitches will be triggered while this drains the outstanding ones.
func (p *Pool) Wait() {
	p.wg.Wait()
}
