package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"agency/pkg/backoff"
)

// Config tunes execution supervisors.
type Config struct {
	Workers            int           // concurrent executions (default: 16)
	QueueSize          int           // pending dispatches (default: 256)
	LeaseTTL           time.Duration // job lease lifetime, renewed at a third of it (default: 30s)
	CancelPollInterval time.Duration // how often cancel_requested is checked (default: 2s)
	WorkDir            string        // local root for staged inputs and collected outputs
	InstanceID         string        // prefix of lease owner ids (default: hostname)
	Retry              backoff.Config
	CleanupTimeout     time.Duration // budget for effects after the run context ends (default: 30s)
	MaxLogBytes        int           // per stream kept for the log archive (default: 8 MiB)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "agency")
	}
	if c.InstanceID == "" {
		c.InstanceID, _ = os.Hostname()
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 30 * time.Second
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = 8 << 20
	}
	return c
}
