package config

import "time"

// Config holds runtime settings for the uploader.
//
// ChunkSizeMiB and Concurrency are hints; the server clamps them to its
// policy. MaxReissues bounds how many times expired or missing write URLs are
// requested again before giving up.
type Config struct {
	ServerAddr     string
	FilePath       string
	ChunkSizeMiB   int64
	Concurrency    int
	RequestTimeout time.Duration
	MaxReissues    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "http://127.0.0.1:8080"
	c.RequestTimeout = 30 * time.Second
	c.MaxReissues = 3
	c.RetryAttempts = 3
	c.RetryBaseDelay = 500 * time.Millisecond
}

// ChunkSizeBytes converts the MiB hint to bytes.
func (c *Config) ChunkSizeBytes() int64 {
	return c.ChunkSizeMiB << 20
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
