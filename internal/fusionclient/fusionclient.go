// Package fusionclient talks to the lip-sync fusion collaborator service:
// submit a face artifact plus synthesized audio, poll until a fused segment
// video is ready. Identical shape to ttsclient (§4.4), but the fusion stage
// commonly runs much longer, so its poll loop is driven under a caller-set
// wall-clock deadline (default 20 minutes) rather than a fixed attempt cap.
package fusionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/apperr"
	"github.com/snappy-loop/longform/internal/backoff"
	"github.com/snappy-loop/longform/internal/idempotency"
	"github.com/snappy-loop/longform/internal/models"
	"github.com/snappy-loop/longform/internal/ratelimit"
)

// Status is the upstream job's reported lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ConsentFlags records the consent attestations the fusion upstream
// requires before it will process a face artifact.
type ConsentFlags struct {
	FaceUsageConsented bool `json:"face_usage_consented"`
}

// SubmitRequest carries everything the upstream needs to fuse one
// segment's audio onto the job's face artifact.
type SubmitRequest struct {
	FaceArtifactID   uuid.UUID
	AudioStoragePath string
	AudioURL         string
	AspectRatio      models.AspectRatio
	Consent          ConsentFlags
	ActorUserID      uuid.UUID
	JobID            uuid.UUID
	SegmentIndex     int
}

// SubmitResult is the upstream's synchronous acknowledgement of a submission.
type SubmitResult struct {
	FusionJobID   string
	ProviderJobID string
}

// PollResult is the upstream's current view of a submitted job.
type PollResult struct {
	Status           Status
	VideoURL         string
	VideoStoragePath string
	ErrorCode        string
}

// Client is the fusion collaborator's HTTP binding.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiters
}

// NewClient constructs a fusion client. limiter may be nil to disable
// rate-limiting (e.g. in unit tests against an httptest server).
func NewClient(baseURL string, limiter *ratelimit.Limiters) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		limiter:    limiter,
	}
}

type submitWireRequest struct {
	FaceArtifactID   uuid.UUID          `json:"face_artifact_id"`
	AudioStoragePath string             `json:"audio_storage_path,omitempty"`
	AudioURL         string             `json:"audio_url,omitempty"`
	AspectRatio      models.AspectRatio `json:"aspect_ratio"`
	IdempotencyKey   string             `json:"idempotency_key"`
	Consent          ConsentFlags       `json:"consent"`
}

type submitWireResponse struct {
	FusionJobID   string `json:"fusion_job_id"`
	ProviderJobID string `json:"provider_job_id"`
}

type pollWireResponse struct {
	Status           Status `json:"status"`
	VideoURL         string `json:"video_url"`
	VideoStoragePath string `json:"video_storage_path"`
	ErrorCode        string `json:"error_code"`
}

// Submit posts a new fusion job and returns its upstream ids. The
// idempotency key is derived from (job_id, segment_index, "video") (§4.4).
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	wire := submitWireRequest{
		FaceArtifactID:   req.FaceArtifactID,
		AudioStoragePath: req.AudioStoragePath,
		AudioURL:         req.AudioURL,
		AspectRatio:      req.AspectRatio,
		IdempotencyKey:   idempotency.Key(req.JobID, req.SegmentIndex, "video"),
		Consent:          req.Consent,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal fusion submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build fusion submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ActorUserID != uuid.Nil {
		httpReq.Header.Set("X-Actor-User-Id", req.ActorUserID.String())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "fusion_submit_unreachable", "fusion service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyStatus(resp.StatusCode, "fusion_submit_failed", respBody)
	}

	var out submitWireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal fusion submit response: %w", err)
	}
	return &SubmitResult{FusionJobID: out.FusionJobID, ProviderJobID: out.ProviderJobID}, nil
}

// Poll fetches the current status of a previously submitted job.
func (c *Client) Poll(ctx context.Context, fusionJobID string) (*PollResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+fusionJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build fusion poll request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "fusion_poll_unreachable", "fusion service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		c.throttle(resp)
		return nil, apperr.New(apperr.Transient, "fusion_rate_limited", "fusion service rate-limited the request")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "fusion_poll_failed", respBody)
	}

	var out pollWireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal fusion poll response: %w", err)
	}
	return &PollResult{
		Status:           out.Status,
		VideoURL:         out.VideoURL,
		VideoStoragePath: out.VideoStoragePath,
		ErrorCode:        out.ErrorCode,
	}, nil
}

// PollUntilTerminal polls on exponential backoff until the job reaches
// succeeded/failed or ctx is done. Callers enforce the wall-clock poll
// budget (default 20 minutes, §4.4) by deriving ctx with a deadline.
func (c *Client) PollUntilTerminal(ctx context.Context, fusionJobID string, backoffBase, backoffCap time.Duration) (*PollResult, error) {
	attempt := 0
	for {
		result, err := c.Poll(ctx, fusionJobID)
		if err != nil {
			if apperr.KindOf(err) != apperr.Transient {
				return nil, err
			}
			log.Warn().Err(err).Str("fusion_job_id", fusionJobID).Int("attempt", attempt).Msg("fusion poll transient error, retrying")
		} else if result.Status == StatusSucceeded || result.Status == StatusFailed {
			return result, nil
		}

		delay := backoff.Exponential(backoffBase, backoffCap, attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.Transient, "fusion_poll_budget_exceeded", "fusion poll budget exceeded", ctx.Err())
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, ratelimit.Fusion); err != nil {
		return apperr.Wrap(apperr.Transient, "fusion_rate_limit_wait", "rate limit wait interrupted", err)
	}
	return nil
}

func (c *Client) throttle(resp *http.Response) {
	if c.limiter == nil {
		return
	}
	delay := 5 * time.Second
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := time.ParseDuration(ra + "s"); err == nil {
			delay = secs
		}
	}
	c.limiter.Throttle(ratelimit.Fusion, delay)
}

// classifyStatus maps an upstream HTTP status to this engine's error kinds.
func classifyStatus(status int, code string, body []byte) error {
	msg := fmt.Sprintf("fusion upstream returned status %d", status)
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return apperr.New(apperr.Validation, code, msg)
	case status == http.StatusForbidden:
		return apperr.New(apperr.Policy, code, msg)
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return apperr.New(apperr.Transient, code, msg)
	default:
		return apperr.New(apperr.UpstreamFatal, code, msg)
	}
}
