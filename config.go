package courier

import (
	"os"
	"strconv"
	"time"
)

// Config represents engine configuration.
type Config struct {
	// Number of concurrent job workers (default: 4).
	Workers int

	// Poll interval for the worker loops (default: 1 second).
	// Workers are woken eagerly on enqueue and completion; the ticker is the
	// fallback that picks up jobs whose backoff delay has elapsed.
	PollInterval time.Duration

	// TTL for terminal jobs (default: 30 days).
	// Terminal jobs older than TTL will be automatically deleted.
	JobTTL time.Duration

	// Cleanup periodicity (default: 1 day).
	// How often the cleanup process runs to delete expired jobs.
	CleanupInterval time.Duration

	// Default retry policy applied to jobs enqueued without one.
	DefaultRetry RetryPolicy

	// Remaining sender-certificate lifetime below which the certificate is
	// rotated before sending (default: 24 hours).
	CertificateExpiryBuffer time.Duration

	// Whether to send read receipts for sync read batches (default: true).
	ReadReceipts bool

	// Whether to forward typing messages to the indicator sink
	// (default: true).
	TypingIndicators bool
}

// LoadConfig loads engine configuration from environment variables.
// It reads the following environment variables:
//   - COURIER_WORKERS: Number of concurrent job workers (default: 4)
//   - COURIER_POLL_INTERVAL: Worker poll interval (default: 1s)
//   - COURIER_JOB_TTL: TTL for terminal jobs (default: 30 days)
//   - COURIER_CLEANUP_INTERVAL: Cleanup interval (default: 1 day)
//   - COURIER_MAX_ATTEMPTS: Default retry attempts (default: 5)
//   - COURIER_BACKOFF_INITIAL: Default initial backoff (default: 1s)
//   - COURIER_BACKOFF_CAP: Default backoff cap (default: 1h)
//   - COURIER_CERT_EXPIRY_BUFFER: Certificate rotation buffer (default: 24h)
//   - COURIER_READ_RECEIPTS: Send read receipts ("0" disables, default: on)
//   - COURIER_TYPING_INDICATORS: Forward typing events ("0" disables, default: on)
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "30" = 30 days)
//   - Duration string (e.g., "24h", "7d", "1h30m")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	return &Config{
		Workers:         getEnvInt("COURIER_WORKERS", 4),
		PollInterval:    getEnvDuration("COURIER_POLL_INTERVAL", time.Second),
		JobTTL:          getEnvDuration("COURIER_JOB_TTL", 30*24*time.Hour),       // 30 days
		CleanupInterval: getEnvDuration("COURIER_CLEANUP_INTERVAL", 24*time.Hour), // 1 day
		DefaultRetry: RetryPolicy{
			MaxAttempts:    getEnvInt("COURIER_MAX_ATTEMPTS", 5),
			BackoffInitial: getEnvDuration("COURIER_BACKOFF_INITIAL", time.Second),
			BackoffCap:     getEnvDuration("COURIER_BACKOFF_CAP", time.Hour),
		},
		CertificateExpiryBuffer: getEnvDuration("COURIER_CERT_EXPIRY_BUFFER", 24*time.Hour),
		ReadReceipts:            getEnvBool("COURIER_READ_RECEIPTS", true),
		TypingIndicators:        getEnvBool("COURIER_TYPING_INDICATORS", true),
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		// Try parsing as duration string (e.g., "24h", "7d")
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
