package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	os.Args = append([]string{"testbin"}, args...)
}

func withoutDotenv(t *testing.T) {
	t.Helper()
	orig := dotenvFiles
	t.Cleanup(func() { dotenvFiles = orig })
	dotenvFiles = nil
}

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "minio", c.Gateway.Driver)
	assert.Equal(t, "uploads", c.Gateway.Bucket)
	assert.Equal(t, 32, c.Gateway.MaxComposeSources)
	assert.Equal(t, "memory", c.Sessions.Driver)
	assert.Equal(t, 48*time.Hour, c.Sessions.TTL)
	assert.Equal(t, "uploads/", c.Upload.ObjectPrefix)
	assert.Equal(t, 24*time.Hour, c.Upload.WriteAuthorizationTTL)
	assert.Equal(t, 24*time.Hour, c.Upload.ReadAuthorizationTTL)
	assert.Equal(t, int64(10<<20), c.Upload.DirectUploadThreshold)
	assert.Equal(t, "@every 15m", c.Cleanup.SweepSchedule)
	assert.False(t, c.Tracing.Enabled)
}

func TestLoadConfig_UsesDefaultsWithoutSources(t *testing.T) {
	withArgs(t)
	withoutDotenv(t)

	c := LoadConfig()
	require.NotNil(t, c)

	var want Config
	want.LoadDefaults()
	assert.Equal(t, want, *c)
}

func TestParseFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http_addr": ":9999",
		"gateway": {"driver": "s3", "bucket": "media", "use_ssl": true, "request_timeout": "30s"},
		"sessions": {"driver": "postgres", "ttl": "6h"},
		"upload": {"authorization_fan_out": 4},
		"tracing": {"enabled": true}
	}`), 0o600))
	withArgs(t, "-c", path)

	var c Config
	c.LoadDefaults()
	parseFile(&c)

	assert.Equal(t, ":9999", c.HTTPAddr)
	assert.Equal(t, "s3", c.Gateway.Driver)
	assert.Equal(t, "media", c.Gateway.Bucket)
	assert.True(t, c.Gateway.UseSSL)
	assert.True(t, c.Gateway.UsePathStyle, "absent keys keep their defaults")
	assert.Equal(t, 30*time.Second, c.Gateway.RequestTimeout)
	assert.Equal(t, "postgres", c.Sessions.Driver)
	assert.Equal(t, 6*time.Hour, c.Sessions.TTL)
	assert.Equal(t, 4, c.Upload.AuthorizationFanOut)
	assert.True(t, c.Tracing.Enabled)
	assert.Equal(t, "uploads/", c.Upload.ObjectPrefix)
}

func TestParseFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  driver: memory
  use_path_style: false
cleanup:
  sweep_schedule: "@every 1m"
  timeout: 90s
upload:
  spill_dir: /var/spill
`), 0o600))
	withArgs(t, "-config", path)

	var c Config
	c.LoadDefaults()
	parseFile(&c)

	assert.Equal(t, "memory", c.Gateway.Driver)
	assert.False(t, c.Gateway.UsePathStyle)
	assert.Equal(t, "@every 1m", c.Cleanup.SweepSchedule)
	assert.Equal(t, 90*time.Second, c.Cleanup.Timeout)
	assert.Equal(t, "/var/spill", c.Upload.SpillDir)
}

func TestParseFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ not json`), 0o600))

	withArgs(t, "-c", bad)
	require.Panics(t, func() { parseFile(&Config{}) })

	withArgs(t, "-c", filepath.Join(dir, "missing.yaml"))
	require.Panics(t, func() { parseFile(&Config{}) })
}

func TestParseEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("GOPHUPLOAD_REDIS_ADDR=redis:6379\nGOPHUPLOAD_BUCKET_UNUSED=x\n"), 0o600))

	orig := dotenvFiles
	t.Cleanup(func() { dotenvFiles = orig })
	dotenvFiles = []string{dotenv, filepath.Join(dir, "absent.env")}

	t.Setenv("GOPHUPLOAD_GATEWAY_DRIVER", "s3")
	t.Setenv("GOPHUPLOAD_SESSION_DRIVER", "redis")
	t.Setenv("GOPHUPLOAD_REDIS_DB", "3")
	t.Setenv("GOPHUPLOAD_SESSION_TTL", "2h")
	t.Setenv("GOPHUPLOAD_TRACING_ENABLED", "true")
	t.Cleanup(func() { _ = os.Unsetenv("GOPHUPLOAD_REDIS_ADDR"); _ = os.Unsetenv("GOPHUPLOAD_BUCKET_UNUSED") })

	var c Config
	c.LoadDefaults()
	parseEnv(&c)

	assert.Equal(t, "s3", c.Gateway.Driver)
	assert.Equal(t, "redis", c.Sessions.Driver)
	assert.Equal(t, "redis:6379", c.Sessions.RedisAddr)
	assert.Equal(t, 3, c.Sessions.RedisDB)
	assert.Equal(t, 2*time.Hour, c.Sessions.TTL)
	assert.True(t, c.Tracing.Enabled)
}

func TestParseEnv_InvalidNumberPanics(t *testing.T) {
	withoutDotenv(t)
	t.Setenv("GOPHUPLOAD_REDIS_DB", "three")

	require.Panics(t, func() { parseEnv(&Config{}) })
}

func TestParseFlags(t *testing.T) {
	withArgs(t,
		"-c", "ignored.json",
		"-a", "127.0.0.1:9090", "-g", ":50051", "-w", "s3", "-e", "https://s3.example",
		"-b", "bucket", "-r", "eu-west-1", "-u", "user", "-p", "password",
		"-s", "postgres", "-d", "db", "-R", "redis:6379", "-l", "debug",
	)

	var c Config
	c.LoadDefaults()
	require.NotPanics(t, func() { parseFlags(&c) })

	assert.Equal(t, "127.0.0.1:9090", c.HTTPAddr)
	assert.Equal(t, ":50051", c.HealthAddrGRPC)
	assert.Equal(t, "s3", c.Gateway.Driver)
	assert.Equal(t, "https://s3.example", c.Gateway.Endpoint)
	assert.Equal(t, "bucket", c.Gateway.Bucket)
	assert.Equal(t, "eu-west-1", c.Gateway.Region)
	assert.Equal(t, "user", c.Gateway.AccessKey)
	assert.Equal(t, "password", c.Gateway.SecretKey)
	assert.Equal(t, "postgres", c.Sessions.Driver)
	assert.Equal(t, "db", c.Sessions.DatabaseDSN)
	assert.Equal(t, "redis:6379", c.Sessions.RedisAddr)
	assert.Equal(t, "debug", c.LogLevel)
}
