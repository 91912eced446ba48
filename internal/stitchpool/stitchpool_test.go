package stitchpool

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeStitcher struct {
	mu      sync.Mutex
	seen    []uuid.UUID
	started chan struct{} // signaled on entry, if set
	release chan struct{} // closed to let a blocked Stitch call proceed, if set
}

func (f *fakeStitcher) Stitch(ctx context.Context, jobID uuid.UUID) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.seen = append(f.seen, jobID)
	f.mu.Unlock()
	return nil
}

func TestTriggerStitch_RunsEveryJob(t *testing.T) {
	fs := &fakeStitcher{}
	p := New(t.Context(), fs, 2)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		p.TriggerStitch(id)
	}
	p.Wait()

	if len(fs.seen) != len(ids) {
		t.Fatalf("got %d stitches, want %d", len(fs.seen), len(ids))
	}
}

func TestTriggerStitch_BoundsConcurrency(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fs := &fakeStitcher{started: started, release: release}
	p := New(t.Context(), fs, 1)

	p.TriggerStitch(uuid.New())
	p.TriggerStitch(uuid.New())

	<-started // first task has acquired the only slot and is blocked

	select {
	case <-started:
		t.Fatal("second task entered Stitch while the only slot was held")
	default:
	}

	close(release)
	<-started // second task now acquires the slot in turn
	p.Wait()

	if len(fs.seen) != 2 {
		t.Fatalf("got %d stitches, want 2", len(fs.seen))
	}
}

func TestTriggerStitch_AbandonsQueuedTaskOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	fs := &fakeStitcher{started: started, release: release}

	p := New(ctx, fs, 1)
	p.TriggerStitch(uuid.New()) // occupies the only slot
	<-started

	cancel()
	p.TriggerStitch(uuid.New()) // should abandon rather than wait for the slot

	close(release) // let the first task finish so Wait returns
	p.Wait()

	if len(fs.seen) != 1 {
		t.Errorf("expected exactly 1 completed stitch, got %d", len(fs.seen))
	}
}
