package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr string
	LogLevel string
	Timezone string

	// Database
	DatabaseURL string

	// Kafka — best-effort fan-out for job-created/job-terminal events
	// consumed by the webhook notifier. Segment claim/dispatch never
	// depends on this; a no-op producer is used when KafkaBrokers is empty.
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicEvents   string

	// S3/Storage
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PublicURL string

	// Upstream collaborator services
	TTSBaseURL    string
	FusionBaseURL string

	// Auth
	JWTSecret      string
	JWTIssuer      string
	ServiceSecret  string // shared secret for svc-to-svc bearer auth

	// Segmentation
	DefaultWPM            int
	MinSegmentSeconds     int
	MaxSegmentSecondsCap  int

	// Dispatcher / concurrency
	AudioStageConcurrency int
	VideoStageConcurrency int
	MaxInflightPerJob     int
	SegmentLockTTL        time.Duration
	DispatchPollInterval  time.Duration
	DispatchPollJitter    time.Duration

	// Poll backoff (TTS/Fusion)
	PollBackoffBase   time.Duration
	PollBackoffCap    time.Duration
	FusionPollBudget  time.Duration

	// Retry policy
	TTSMaxAttempts    int
	FusionMaxAttempts int

	// Rate limiting (per upstream token bucket)
	TTSRateLimitPerSec    float64
	FusionRateLimitPerSec float64

	// Signed URL lifetime
	SignedURLTTL time.Duration

	// Webhook (supplemental notifier)
	WebhookMaxRetries     int
	WebhookRetryBaseDelay time.Duration
	WebhookRetryMaxDelay  time.Duration

	// ffmpeg binary path
	FFmpegPath string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timezone: getEnv("TZ", "UTC"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers:       splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "longform-events-worker"),
		KafkaTopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "longform.job-events.v1"),

		S3Endpoint:  getEnv("S3_ENDPOINT", "http://localhost:9000"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "longform-assets"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),

		TTSBaseURL:    getEnv("TTS_BASE_URL", "http://localhost:8081"),
		FusionBaseURL: getEnv("FUSION_BASE_URL", "http://localhost:8082"),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTIssuer:     getEnv("JWT_ISSUER", "longform"),
		ServiceSecret: getEnv("SERVICE_SECRET", ""),

		DefaultWPM:           getEnvInt("DEFAULT_WPM", 150),
		MinSegmentSeconds:    getEnvInt("MIN_SEGMENT_SECONDS", 5),
		MaxSegmentSecondsCap: getEnvInt("MAX_SEGMENT_SECONDS_CAP", 120),

		AudioStageConcurrency: clampMin(getEnvInt("AUDIO_STAGE_CONCURRENCY", 4), 1),
		VideoStageConcurrency: clampMin(getEnvInt("VIDEO_STAGE_CONCURRENCY", 2), 1),
		MaxInflightPerJob:     clampMin(getEnvInt("MAX_INFLIGHT_PER_JOB", 3), 1),
		SegmentLockTTL:        getEnvDuration("SEGMENT_LOCK_TTL", 10*time.Minute),
		DispatchPollInterval:  getEnvDuration("DISPATCH_POLL_INTERVAL", 2*time.Second),
		DispatchPollJitter:    getEnvDuration("DISPATCH_POLL_JITTER", 500*time.Millisecond),

		PollBackoffBase:  getEnvDuration("POLL_BACKOFF_BASE", 1*time.Second),
		PollBackoffCap:   getEnvDuration("POLL_BACKOFF_CAP", 15*time.Second),
		FusionPollBudget: getEnvDuration("FUSION_POLL_BUDGET", 20*time.Minute),

		TTSMaxAttempts:    getEnvInt("TTS_MAX_ATTEMPTS", 3),
		FusionMaxAttempts: getEnvInt("FUSION_MAX_ATTEMPTS", 2),

		TTSRateLimitPerSec:    getEnvFloat("TTS_RATE_LIMIT_PER_SEC", 5.0),
		FusionRateLimitPerSec: getEnvFloat("FUSION_RATE_LIMIT_PER_SEC", 2.0),

		SignedURLTTL: getEnvDuration("SIGNED_URL_TTL", 15*time.Minute),

		WebhookMaxRetries:     getEnvInt("WEBHOOK_MAX_RETRIES", 10),
		WebhookRetryBaseDelay: getEnvDuration("WEBHOOK_RETRY_BASE_DELAY", 30*time.Second),
		WebhookRetryMaxDelay:  getEnvDuration("WEBHOOK_RETRY_MAX_DELAY", 24*time.Hour),

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// clampMin returns v if v >= min, otherwise min. Used to ensure config values are in valid range.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
