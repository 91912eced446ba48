package storage

import (
	"context"
	"io"
	"strconv"
	"time"
)

// BlobStore is the object-store abstraction the engine consumes: put, sign,
// exists. *Client satisfies it; tests may supply an in-memory fake.
type BlobStore interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) error
	GeneratePresignedURL(key string, expiration time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

var _ BlobStore = (*Client)(nil)

// JobAudioPath is the stable path for a segment's synthesized audio.
func JobAudioPath(jobID string, segmentIndex int) string {
	return "longform/" + jobID + "/seg-" + strconv.Itoa(segmentIndex) + ".m4a"
}

// JobSegmentVideoPath is the stable path for a segment's fused video.
func JobSegmentVideoPath(jobID string, segmentIndex int) string {
	return "longform/" + jobID + "/seg-" + strconv.Itoa(segmentIndex) + ".mp4"
}

// JobFinalVideoPath is the stable path for a job's stitched output.
func JobFinalVideoPath(jobID string) string {
	return "longform/" + jobID + "/final.mp4"
}
