// Package ttsclient talks to the text-to-speech collaborator service:
// submit a chunk of text, poll until a stable audio artifact is ready.
// Shaped on the submit-then-poll-on-a-ticker pattern used to drive
// asynchronous generation jobs elsewhere in this lineage, with upstream
// errors classified into this engine's own apperr taxonomy at the boundary.
package ttsclient

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

// SubmitRequest carries everything the upstream needs to synthesize one
// segment's audio.
type SubmitRequest struct {
	Text         string
	VoiceCfg     models.VoiceConfig
	ActorUserID  uuid.UUID
	JobID        uuid.UUID
	SegmentIndex int
}

// PollResult is the upstream's current view of a submitted job.
type PollResult struct {
	Status           Status
	AudioURL         string
	AudioStoragePath string
	ErrorCode        string
}

// Client is the TTS collaborator's HTTP binding.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiters
}

// NewClient constructs a TTS client. limiter may be nil to disable
// rate-limiting (e.g. in unit tests against an httptest server).
func NewClient(baseURL string, limiter *ratelimit.Limiters) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		limiter:    limiter,
	}
}

type submitWireRequest struct {
	Text           string             `json:"text"`
	VoiceCfg       models.VoiceConfig `json:"voice_cfg"`
	IdempotencyKey string             `json:"idempotency_key"`
}

type submitWireResponse struct {
	TTSJobID string `json:"tts_job_id"`
}

type pollWireResponse struct {
	Status           Status `json:"status"`
	AudioURL         string `json:"audio_url"`
	AudioStoragePath string `json:"audio_storage_path"`
	ErrorCode        string `json:"error_code"`
}

// Submit posts a new synthesis job and returns its upstream id. The
// idempotency key is derived from (job_id, segment_index, "audio") so a
// retried submission after a mid-flight crash lands on the same upstream
// job rather than creating a duplicate (§4.3, §4.5 invariants).
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	wire := submitWireRequest{
		Text:           req.Text,
		VoiceCfg:       req.VoiceCfg,
		IdempotencyKey: idempotency.Key(req.JobID, req.SegmentIndex, "audio"),
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal tts submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tts submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ActorUserID != uuid.Nil {
		httpReq.Header.Set("X-Actor-User-Id", req.ActorUserID.String())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "tts_submit_unreachable", "tts service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp.StatusCode, "tts_submit_failed", respBody)
	}

	var out submitWireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal tts submit response: %w", err)
	}
	return out.TTSJobID, nil
}

// Poll fetches the current status of a previously submitted job.
func (c *Client) Poll(ctx context.Context, ttsJobID string) (*PollResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tts/"+ttsJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build tts poll request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "tts_poll_unreachable", "tts service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		c.throttle(resp)
		return nil, apperr.New(apperr.Transient, "tts_rate_limited", "tts service rate-limited the request")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "tts_poll_failed", respBody)
	}

	var out pollWireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal tts poll response: %w", err)
	}
	return &PollResult{
		Status:           out.Status,
		AudioURL:         out.AudioURL,
		AudioStoragePath: out.AudioStoragePath,
		ErrorCode:        out.ErrorCode,
	}, nil
}

// PollUntilTerminal polls on exponential backoff (1s base, 15s cap, +/-20%
// jitter per §4.3) until the job reaches succeeded/failed or ctx is done.
func (c *Client) PollUntilTerminal(ctx context.Context, ttsJobID string, backoffBase, backoffCap time.Duration) (*PollResult, error) {
	attempt := 0
	for {
		result, err := c.Poll(ctx, ttsJobID)
		if err != nil {
			if apperr.KindOf(err) != apperr.Transient {
				return nil, err
			}
			log.Warn().Err(err).Str("tts_job_id", ttsJobID).Int("attempt", attempt).Msg("tts poll transient error, retrying")
		} else if result.Status == StatusSucceeded || result.Status == StatusFailed {
			return result, nil
		}

		delay := backoff.Exponential(backoffBase, backoffCap, attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.Transient, "tts_poll_timeout", "tts poll deadline exceeded", ctx.Err())
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, ratelimit.TTS); err != nil {
		return apperr.Wrap(apperr.Transient, "tts_rate_limit_wait", "rate limit wait interrupted", err)
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
	c.limiter.Throttle(ratelimit.TTS, delay)
}

// classifyStatus maps an upstream HTTP status to this engine's error kinds.
func classifyStatus(status int, code string, body []byte) error {
	msg := fmt.Sprintf("tts upstream returned status %d", status)
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
