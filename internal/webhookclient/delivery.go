// Package webhookclient delivers a signed notification when a longform job
// reaches a terminal state. This is a supplemental feature (SPEC_FULL.md
// "SUPPLEMENTAL FEATURES") grounded on the teacher's webhook delivery
// service; it never gates core pipeline correctness.
package webhookclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/config"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/models"
)

// Payload is the body delivered to a job's configured webhook URL.
type Payload struct {
	JobID      uuid.UUID  `json:"job_id"`
	Status     string     `json:"status"`
	FinishedAt time.Time  `json:"finished_at"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries a safe, credential-free error summary.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeliveryError wraps a failed delivery attempt with the HTTP status, so
// callers can decide retryability without re-parsing the response.
type DeliveryError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *DeliveryError) Error() string { return e.Message }

// IsRetryable reports whether the error warrants another delivery attempt:
// 5xx and 429 are retried, other 4xx are not, everything else (network
// errors) is.
func (e *DeliveryError) IsRetryable() bool {
	if e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	if e.StatusCode == 429 {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// Service makes the immediate delivery attempt and records pending
// deliveries for the RetryWorker to pick up.
type Service struct {
	httpClient   *http.Client
	config       *config.Config
	jobRepo      *database.JobRepository
	deliveryRepo *database.WebhookDeliveryRepository
	webhookURLs  func(jobID uuid.UUID) (url string, secret *string)
	retryWorker  *RetryWorker
}

// NewService creates a delivery service. webhookURLs resolves the
// destination URL/secret for a job; callers that don't support per-job
// webhook configuration can return ("", nil) to disable delivery.
func NewService(db *database.DB, cfg *config.Config, webhookURLs func(uuid.UUID) (string, *string)) *Service {
	s := &Service{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		config:       cfg,
		jobRepo:      database.NewJobRepository(db),
		deliveryRepo: database.NewWebhookDeliveryRepository(db),
		webhookURLs:  webhookURLs,
	}
	s.retryWorker = NewRetryWorker(s, cfg)
	return s
}

// Start starts the background retry worker.
func (s *Service) Start(ctx context.Context) { s.retryWorker.Start(ctx) }

// Stop stops the background retry worker.
func (s *Service) Stop() { s.retryWorker.Stop() }

// NotifyTerminal delivers (or schedules delivery of) a terminal-state
// notification for jobID. Returns an error only when the job cannot be
// loaded; delivery failures are recorded and retried asynchronously and are
// not returned, so they never block the pipeline.
func (s *Service) NotifyTerminal(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	url, secret := s.webhookURLs(jobID)
	if url == "" {
		return nil
	}

	payload := Payload{JobID: job.ID, Status: string(job.Status), FinishedAt: time.Now()}
	if job.ErrorCode != nil && job.ErrorMessage != nil {
		payload.Error = &ErrorInfo{Code: *job.ErrorCode, Message: *job.ErrorMessage}
	}

	delivery := &models.WebhookDelivery{
		ID:        uuid.New(),
		JobID:     job.ID,
		URL:       url,
		Status:    "pending",
		CreatedAt: time.Now(),
	}
	if err := s.deliveryRepo.Create(ctx, delivery); err != nil {
		log.Error().Err(err).Msg("failed to create delivery record")
	}

	delivery.Attempts = 1
	now := time.Now()
	delivery.LastAttemptAt = &now

	err = s.sendWebhook(ctx, url, payload, secret)
	if err == nil {
		delivery.Status = "sent"
		_ = s.deliveryRepo.Update(ctx, delivery)
		log.Info().Str("job_id", job.ID.String()).Msg("webhook delivered on first attempt")
		return nil
	}

	errMsg := err.Error()
	delivery.LastError = &errMsg

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && !deliveryErr.IsRetryable() {
		delivery.Status = "failed"
		_ = s.deliveryRepo.Update(ctx, delivery)
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("webhook delivery failed permanently")
		return nil
	}

	delivery.Status = "pending"
	_ = s.deliveryRepo.Update(ctx, delivery)
	log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("webhook delivery failed, scheduled for retry")
	return nil
}

// RetryWorker periodically retries pending deliveries with exponential
// backoff.
type RetryWorker struct {
	service  *Service
	config   *config.Config
	stopChan chan struct{}
	ticker   *time.Ticker
}

// NewRetryWorker creates a new retry worker.
func NewRetryWorker(service *Service, cfg *config.Config) *RetryWorker {
	return &RetryWorker{service: service, config: cfg, stopChan: make(chan struct{})}
}

// Start starts the retry worker's background loop.
func (w *RetryWorker) Start(ctx context.Context) {
	w.ticker = time.NewTicker(10 * time.Second)
	go func() {
		log.Info().Msg("webhook retry worker started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-w.ticker.C:
				w.processPending(ctx)
			}
		}
	}()
}

// Stop stops the retry worker.
func (w *RetryWorker) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stopChan)
}

func (w *RetryWorker) processPending(ctx context.Context) {
	deliveries, err := w.service.deliveryRepo.GetPendingDeliveries(ctx, 100)
	if err != nil {
		log.Error().Err(err).Msg("failed to get pending deliveries")
		return
	}

	for _, delivery := range deliveries {
		if !w.shouldRetry(delivery) {
			continue
		}
		job, err := w.service.jobRepo.GetByID(ctx, delivery.JobID)
		if err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("failed to get job for delivery")
			continue
		}
		payload := Payload{JobID: job.ID, Status: string(job.Status), FinishedAt: time.Now()}
		if job.ErrorCode != nil && job.ErrorMessage != nil {
			payload.Error = &ErrorInfo{Code: *job.ErrorCode, Message: *job.ErrorMessage}
		}
		_, secret := w.service.webhookURLs(job.ID)
		w.retryDelivery(ctx, job, delivery, payload, secret)
	}
}

func (w *RetryWorker) shouldRetry(delivery *models.WebhookDelivery) bool {
	if delivery.Attempts >= w.config.WebhookMaxRetries {
		delivery.Status = "failed"
		_ = w.service.deliveryRepo.Update(context.Background(), delivery)
		return false
	}
	if delivery.LastAttemptAt == nil {
		return true
	}
	backoff := w.config.WebhookRetryBaseDelay * time.Duration(1<<uint(delivery.Attempts-1))
	if backoff > w.config.WebhookRetryMaxDelay {
		backoff = w.config.WebhookRetryMaxDelay
	}
	return time.Now().After(delivery.LastAttemptAt.Add(backoff))
}

func (w *RetryWorker) retryDelivery(ctx context.Context, job *models.LongformJob, delivery *models.WebhookDelivery, payload Payload, secret *string) {
	delivery.Attempts++
	now := time.Now()
	delivery.LastAttemptAt = &now

	err := w.service.sendWebhook(ctx, delivery.URL, payload, secret)
	if err == nil {
		delivery.Status = "sent"
		_ = w.service.deliveryRepo.Update(ctx, delivery)
		log.Info().Str("job_id", job.ID.String()).Int("attempts", delivery.Attempts).Msg("webhook delivered after retry")
		return
	}

	errMsg := err.Error()
	delivery.LastError = &errMsg

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && !deliveryErr.IsRetryable() {
		delivery.Status = "failed"
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("webhook retry failed permanently")
	} else {
		log.Warn().Err(err).Str("job_id", job.ID.String()).Int("attempt", delivery.Attempts).Msg("webhook retry failed")
	}
	_ = w.service.deliveryRepo.Update(ctx, delivery)
}

func (s *Service) sendWebhook(ctx context.Context, url string, payload Payload, secret *string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Longform-Webhook/1.0")
	req.Header.Set("X-Longform-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if secret != nil && *secret != "" {
		req.Header.Set("X-Longform-Signature", sign(body, *secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("webhook returned status %d", resp.StatusCode), Body: string(respBody)}
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
