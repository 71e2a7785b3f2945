package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
	"github.com/dmitrijs2005/gophupload/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the DTO read from a JSON or YAML config file. Durations use
// timex.Duration so files may say "15m" or give nanoseconds. Only fields that
// are present (non-zero) override the current Config.
type FileConfig struct {
	HTTPAddr        string         `json:"http_addr" yaml:"http_addr"`
	HealthAddrGRPC  string         `json:"health_addr_grpc" yaml:"health_addr_grpc"`
	LogLevel        string         `json:"log_level" yaml:"log_level"`
	LogFormat       string         `json:"log_format" yaml:"log_format"`
	ShutdownTimeout timex.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	Gateway struct {
		Driver            string         `json:"driver" yaml:"driver"`
		Endpoint          string         `json:"endpoint" yaml:"endpoint"`
		Region            string         `json:"region" yaml:"region"`
		AccessKey         string         `json:"access_key" yaml:"access_key"`
		SecretKey         string         `json:"secret_key" yaml:"secret_key"`
		Bucket            string         `json:"bucket" yaml:"bucket"`
		UseSSL            *bool          `json:"use_ssl" yaml:"use_ssl"`
		UsePathStyle      *bool          `json:"use_path_style" yaml:"use_path_style"`
		MaxComposeSources int            `json:"max_compose_sources" yaml:"max_compose_sources"`
		RequestTimeout    timex.Duration `json:"request_timeout" yaml:"request_timeout"`
		MaxConnsPerHost   int            `json:"max_conns_per_host" yaml:"max_conns_per_host"`
		RetryAttempts     int            `json:"retry_attempts" yaml:"retry_attempts"`
		RetryBaseDelay    timex.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	} `json:"gateway" yaml:"gateway"`

	Sessions struct {
		Driver         string         `json:"driver" yaml:"driver"`
		DatabaseDSN    string         `json:"database_dsn" yaml:"database_dsn"`
		RedisAddr      string         `json:"redis_addr" yaml:"redis_addr"`
		RedisPassword  string         `json:"redis_password" yaml:"redis_password"`
		RedisDB        int            `json:"redis_db" yaml:"redis_db"`
		DynamoTable    string         `json:"dynamo_table" yaml:"dynamo_table"`
		DynamoEndpoint string         `json:"dynamo_endpoint" yaml:"dynamo_endpoint"`
		TTL            timex.Duration `json:"ttl" yaml:"ttl"`
	} `json:"sessions" yaml:"sessions"`

	Upload struct {
		ObjectPrefix          string         `json:"object_prefix" yaml:"object_prefix"`
		WriteAuthorizationTTL timex.Duration `json:"write_authorization_ttl" yaml:"write_authorization_ttl"`
		ReadAuthorizationTTL  timex.Duration `json:"read_authorization_ttl" yaml:"read_authorization_ttl"`
		AuthorizationFanOut   int            `json:"authorization_fan_out" yaml:"authorization_fan_out"`
		DirectUploadThreshold int64          `json:"direct_upload_threshold" yaml:"direct_upload_threshold"`
		MaxFileSize           int64          `json:"max_file_size" yaml:"max_file_size"`
		SpillDir              string         `json:"spill_dir" yaml:"spill_dir"`
		MergeTimeout          timex.Duration `json:"merge_timeout" yaml:"merge_timeout"`
	} `json:"upload" yaml:"upload"`

	Cleanup struct {
		Timeout           timex.Duration `json:"timeout" yaml:"timeout"`
		Concurrency       int            `json:"concurrency" yaml:"concurrency"`
		SweepSchedule     string         `json:"sweep_schedule" yaml:"sweep_schedule"`
		SweepBatch        int            `json:"sweep_batch" yaml:"sweep_batch"`
		StaleMultipartAge timex.Duration `json:"stale_multipart_age" yaml:"stale_multipart_age"`
	} `json:"cleanup" yaml:"cleanup"`

	Tracing struct {
		Enabled     *bool   `json:"enabled" yaml:"enabled"`
		Exporter    string  `json:"exporter" yaml:"exporter"`
		Endpoint    string  `json:"endpoint" yaml:"endpoint"`
		Insecure    *bool   `json:"insecure" yaml:"insecure"`
		SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
		ServiceName string  `json:"service_name" yaml:"service_name"`
	} `json:"tracing" yaml:"tracing"`
}

// parseFile overlays config with the file named by -c/-config, if any.
// The format follows the extension: .yaml/.yml is YAML, anything else JSON.
// Unreadable or malformed files panic, as the service cannot start without
// the configuration it was told to use.
func parseFile(config *Config) {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return
	}

	fc, err := readFile(path)
	if err != nil {
		panic(err)
	}
	fc.apply(config)
}

func readFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	default:
		err = json.Unmarshal(data, fc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.HealthAddrGRPC, fc.HealthAddrGRPC)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setDuration(&c.ShutdownTimeout, fc.ShutdownTimeout)

	g := &c.Gateway
	setString(&g.Driver, fc.Gateway.Driver)
	setString(&g.Endpoint, fc.Gateway.Endpoint)
	setString(&g.Region, fc.Gateway.Region)
	setString(&g.AccessKey, fc.Gateway.AccessKey)
	setString(&g.SecretKey, fc.Gateway.SecretKey)
	setString(&g.Bucket, fc.Gateway.Bucket)
	setBool(&g.UseSSL, fc.Gateway.UseSSL)
	setBool(&g.UsePathStyle, fc.Gateway.UsePathStyle)
	setNumber(&g.MaxComposeSources, fc.Gateway.MaxComposeSources)
	setDuration(&g.RequestTimeout, fc.Gateway.RequestTimeout)
	setNumber(&g.MaxConnsPerHost, fc.Gateway.MaxConnsPerHost)
	setNumber(&g.RetryAttempts, fc.Gateway.RetryAttempts)
	setDuration(&g.RetryBaseDelay, fc.Gateway.RetryBaseDelay)

	s := &c.Sessions
	setString(&s.Driver, fc.Sessions.Driver)
	setString(&s.DatabaseDSN, fc.Sessions.DatabaseDSN)
	setString(&s.RedisAddr, fc.Sessions.RedisAddr)
	setString(&s.RedisPassword, fc.Sessions.RedisPassword)
	setNumber(&s.RedisDB, fc.Sessions.RedisDB)
	setString(&s.DynamoTable, fc.Sessions.DynamoTable)
	setString(&s.DynamoEndpoint, fc.Sessions.DynamoEndpoint)
	setDuration(&s.TTL, fc.Sessions.TTL)

	u := &c.Upload
	setString(&u.ObjectPrefix, fc.Upload.ObjectPrefix)
	setDuration(&u.WriteAuthorizationTTL, fc.Upload.WriteAuthorizationTTL)
	setDuration(&u.ReadAuthorizationTTL, fc.Upload.ReadAuthorizationTTL)
	setNumber(&u.AuthorizationFanOut, fc.Upload.AuthorizationFanOut)
	setNumber(&u.DirectUploadThreshold, fc.Upload.DirectUploadThreshold)
	setNumber(&u.MaxFileSize, fc.Upload.MaxFileSize)
	setString(&u.SpillDir, fc.Upload.SpillDir)
	setDuration(&u.MergeTimeout, fc.Upload.MergeTimeout)

	cl := &c.Cleanup
	setDuration(&cl.Timeout, fc.Cleanup.Timeout)
	setNumber(&cl.Concurrency, fc.Cleanup.Concurrency)
	setString(&cl.SweepSchedule, fc.Cleanup.SweepSchedule)
	setNumber(&cl.SweepBatch, fc.Cleanup.SweepBatch)
	setDuration(&cl.StaleMultipartAge, fc.Cleanup.StaleMultipartAge)

	t := &c.Tracing
	setBool(&t.Enabled, fc.Tracing.Enabled)
	setString(&t.Exporter, fc.Tracing.Exporter)
	setString(&t.Endpoint, fc.Tracing.Endpoint)
	setBool(&t.Insecure, fc.Tracing.Insecure)
	setNumber(&t.SampleRatio, fc.Tracing.SampleRatio)
	setString(&t.ServiceName, fc.Tracing.ServiceName)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setNumber[T int | int64 | float64](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
