package notify

import (
	"time"

	"agency/internal/config"
)

// Config holds configuration for the in-memory notifier.
type Config struct {
	URLs        []string      // hook destinations
	SigningKey  string        // HMAC key, empty sends unsigned
	BufferSize  int           // pending deliveries buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	// Delivery tuning; these rarely need changing.
	MaxRetries      int           // default: 3
	Backoff         time.Duration // first retry delay (default: 100ms)
	BreakerCooldown time.Duration // default: 30s
	MaxRequeues     int           // default: 10
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URLs:        config.GetListEnv("NOTIFY_URLS"),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFY_SIGNING_KEY_FILE", "")),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
