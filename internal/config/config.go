// Package config loads transport configuration from L2LV_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "L2LV"

// Config holds all configuration.
type Config struct {
	Link    LinkConfig    `envconfig:"LINK"`
	QPort   QPortConfig   `envconfig:"QPORT"`
	Shm     ShmConfig     `envconfig:"SHM"`
	Log     LogConfig     `envconfig:"LOG"`
	Metrics MetricsConfig `envconfig:"METRICS"`
}

// LinkConfig holds link and dispatcher limits.
type LinkConfig struct {
	OpenTimeout   time.Duration `envconfig:"OPEN_TIMEOUT" default:"300ms"`
	JobPool       int           `envconfig:"JOB_POOL" default:"512"`
	MaxLinks      int           `envconfig:"MAX_LINKS" default:"8"`
	LoopbackDepth int           `envconfig:"LOOPBACK_DEPTH" default:"16"`
}

// QPortConfig holds the shared-memory queueing port backend settings.
type QPortConfig struct {
	Dir   string `envconfig:"DIR" default:"/dev/shm"`
	Depth int    `envconfig:"DEPTH" default:"64"`
}

// ShmConfig holds the bulk shared-memory settings.
type ShmConfig struct {
	Dir  string `envconfig:"DIR" default:"/dev/shm"`
	Size int    `envconfig:"SIZE" default:"4096"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// MetricsConfig holds the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `envconfig:"ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			OpenTimeout:   300 * time.Millisecond,
			JobPool:       512,
			MaxLinks:      8,
			LoopbackDepth: 16,
		},
		QPort: QPortConfig{
			Dir:   "/dev/shm",
			Depth: 64,
		},
		Shm: ShmConfig{
			Dir:  "/dev/shm",
			Size: 4096,
		},
		Log: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects values the transport cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Link.OpenTimeout <= 0:
		return fmt.Errorf("config: LINK_OPEN_TIMEOUT must be positive, got %s", c.Link.OpenTimeout)
	case c.Link.JobPool <= 0:
		return fmt.Errorf("config: LINK_JOB_POOL must be positive, got %d", c.Link.JobPool)
	case c.Link.MaxLinks <= 0:
		return fmt.Errorf("config: LINK_MAX_LINKS must be positive, got %d", c.Link.MaxLinks)
	case c.Link.LoopbackDepth <= 0:
		return fmt.Errorf("config: LINK_LOOPBACK_DEPTH must be positive, got %d", c.Link.LoopbackDepth)
	case c.QPort.Depth <= 0:
		return fmt.Errorf("config: QPORT_DEPTH must be positive, got %d", c.QPort.Depth)
	case c.Shm.Size <= 0:
		return fmt.Errorf("config: SHM_SIZE must be positive, got %d", c.Shm.Size)
	}
	return nil
}
