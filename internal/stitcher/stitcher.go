// Package stitcher assembles a job's succeeded segment videos into one
// final artifact with ffmpeg's concat demuxer, then uploads the result to
// the job's deterministic final path (§4.7).
//
// Command construction is grounded on the teacher's ffmpeg argument-slice
// builder (internal/ffmpeg/command.go) and os/exec wiring
// (internal/transcode/worker.go): build an argument slice, run it with
// exec.CommandContext, and surface failures as categorized errors rather
// than raw stderr.
package stitcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/models"
	"github.com/snappy-loop/longform/internal/storage"
)

// JobFinalizer is the subset of job status transitions the stitcher drives
// once it has produced (or failed to produce) the final artifact.
type JobFinalizer interface {
	FinalizeStitchSuccess(ctx context.Context, jobID uuid.UUID, finalStoragePath string) error
	FinalizeStitchFailure(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string) error
}

// SegmentLister is the subset of *database.SegmentRepository the stitcher
// depends on.
type SegmentLister interface {
	ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error)
}

// Stitcher concatenates a job's segment videos into a final output.
type Stitcher struct {
	segments SegmentLister
	jobs     JobFinalizer
	blobs    storage.BlobStore
	workDir  string
	ffmpeg   string
}

// New constructs a Stitcher. workDir is where per-job scratch files
// (downloaded segments, concat list, output) are staged; ffmpegBin is the
// binary name or path to invoke (normally "ffmpeg").
func New(segments SegmentLister, jobs JobFinalizer, blobs storage.BlobStore, workDir, ffmpegBin string) *Stitcher {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Stitcher{segments: segments, jobs: jobs, blobs: blobs, workDir: workDir, ffmpeg: ffmpegBin}
}

// Stitch concatenates jobID's segments in index order and uploads the
// result to the job's final path. On any failure it transitions the job to
// failed with a categorized error rather than propagating raw exec/storage
// errors to the caller (the Dispatcher only needs to know the attempt is
// done).
func (s *Stitcher) Stitch(ctx context.Context, jobID uuid.UUID) error {
	segs, err := s.segments.ListSegmentsOrdered(ctx, jobID)
	if err != nil {
		return s.fail(ctx, jobID, "stitch_list_segments_failed", "could not read job segments")
	}
	for _, seg := range segs {
		if seg.Status != models.SegSucceeded || seg.SegmentStoragePath == nil {
			return s.fail(ctx, jobID, "stitch_missing_input", fmt.Sprintf("segment %d is not ready to stitch", seg.SegmentIndex))
		}
	}
	if len(segs) == 0 {
		return s.fail(ctx, jobID, "stitch_no_segments", "job has no segments")
	}

	finalKey := storage.JobFinalVideoPath(jobID.String())
	if exists, err := s.blobs.Exists(ctx, finalKey); err == nil && exists {
		log.Info().Str("job_id", jobID.String()).Msg("final artifact already present, skipping re-stitch")
		return s.finalize(ctx, jobID, finalKey)
	}

	jobDir := filepath.Join(s.workDir, jobID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return s.fail(ctx, jobID, "stitch_workdir_failed", "could not prepare working directory")
	}
	defer os.RemoveAll(jobDir)

	inputPaths, err := s.downloadSegments(ctx, jobDir, segs)
	if err != nil {
		return s.fail(ctx, jobID, "stitch_download_failed", "could not fetch one or more segment videos")
	}

	concatListPath := filepath.Join(jobDir, "concat.txt")
	if err := writeConcatList(concatListPath, inputPaths); err != nil {
		return s.fail(ctx, jobID, "stitch_concat_list_failed", "could not prepare concat list")
	}

	outputPath := filepath.Join(jobDir, "final.mp4")
	if err := s.runConcat(ctx, concatListPath, outputPath); err != nil {
		return s.fail(ctx, jobID, "stitch_concat_failed", "ffmpeg concatenation failed")
	}

	if err := s.upload(ctx, outputPath, finalKey); err != nil {
		return s.fail(ctx, jobID, "stitch_upload_failed", "could not upload stitched video")
	}

	return s.finalize(ctx, jobID, finalKey)
}

func (s *Stitcher) downloadSegments(ctx context.Context, jobDir string, segs []*models.LongformSegment) ([]string, error) {
	paths := make([]string, 0, len(segs))
	for _, seg := range segs {
		reader, err := s.blobs.GetObject(ctx, *seg.SegmentStoragePath)
		if err != nil {
			return nil, fmt.Errorf("get segment %d: %w", seg.SegmentIndex, err)
		}
		localPath := filepath.Join(jobDir, fmt.Sprintf("seg-%05d.mp4", seg.SegmentIndex))
		if err := writeReaderToFile(localPath, reader); err != nil {
			return nil, fmt.Errorf("write segment %d: %w", seg.SegmentIndex, err)
		}
		paths = append(paths, localPath)
	}
	return paths, nil
}

// runConcat invokes ffmpeg's concat demuxer with stream copy. Same-codec
// same-parameter inputs (both produced by the same fusion service) never
// need re-encoding; only a codec mismatch would require it, which this
// engine's fusion output never exhibits.
func (s *Stitcher) runConcat(ctx context.Context, concatListPath, outputPath string) error {
	args := []string{
		"-nostats", "-hide_banner", "-loglevel", "warning",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", concatListPath,
		"-c", "copy",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, s.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderr.String())
	}
	return nil
}

func (s *Stitcher) upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.blobs.Upload(ctx, key, f, "video/mp4", info.Size())
}

func (s *Stitcher) finalize(ctx context.Context, jobID uuid.UUID, finalKey string) error {
	if err := s.jobs.FinalizeStitchSuccess(ctx, jobID, finalKey); err != nil {
		return err
	}
	log.Info().Str("job_id", jobID.String()).Str("final_storage_path", finalKey).Msg("stitch complete")
	return nil
}

func (s *Stitcher) fail(ctx context.Context, jobID uuid.UUID, code, message string) error {
	log.Error().Str("job_id", jobID.String()).Str("error_code", code).Msg("stitch failed")
	if err := s.jobs.FinalizeStitchFailure(ctx, jobID, code, message); err != nil {
		return err
	}
	return apperr.New(apperr.StitchFailed, code, message)
}

func writeConcatList(path string, inputPaths []string) error {
	var buf bytes.Buffer
	for _, p := range inputPaths {
		buf.WriteString(fmt.Sprintf("file '%s'\n", p))
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeReaderToFile(path string, src io.ReadCloser) error {
	defer src.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, src)
	return err
}
