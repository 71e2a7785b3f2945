package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
	"github.com/dmitrijs2005/gophupload/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations go
// through timex.Duration; zero values leave the Config untouched.
type JsonConfig struct {
	ServerAddr     string         `json:"server_addr"`
	ChunkSizeMiB   int64          `json:"chunk_size_mib"`
	Concurrency    int            `json:"concurrency"`
	RequestTimeout timex.Duration `json:"request_timeout"`
	MaxReissues    int            `json:"max_reissues"`
	RetryAttempts  int            `json:"retry_attempts"`
	RetryBaseDelay timex.Duration `json:"retry_base_delay"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// -c or -config. It panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlag()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerAddr != "" {
		cfg.ServerAddr = jc.ServerAddr
	}
	if jc.ChunkSizeMiB > 0 {
		cfg.ChunkSizeMiB = jc.ChunkSizeMiB
	}
	if jc.Concurrency > 0 {
		cfg.Concurrency = jc.Concurrency
	}
	if jc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
	if jc.MaxReissues > 0 {
		cfg.MaxReissues = jc.MaxReissues
	}
	if jc.RetryAttempts > 0 {
		cfg.RetryAttempts = jc.RetryAttempts
	}
	if jc.RetryBaseDelay.Duration > 0 {
		cfg.RetryBaseDelay = jc.RetryBaseDelay.Duration
	}
}
