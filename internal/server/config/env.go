package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by parseEnv.
const EnvPrefix = "GOPHUPLOAD_"

// dotenvFiles are loaded, when present, before the environment is read.
// Variables already set in the process environment win over the files.
var dotenvFiles = []string{".env"}

// parseEnv overlays config with GOPHUPLOAD_* variables.
func parseEnv(config *Config) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			panic(fmt.Errorf("load %s: %w", f, err))
		}
	}

	envString("HTTP_ADDR", &config.HTTPAddr)
	envString("HEALTH_ADDR_GRPC", &config.HealthAddrGRPC)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_FORMAT", &config.LogFormat)

	envString("GATEWAY_DRIVER", &config.Gateway.Driver)
	envString("GATEWAY_ENDPOINT", &config.Gateway.Endpoint)
	envString("GATEWAY_REGION", &config.Gateway.Region)
	envString("GATEWAY_ACCESS_KEY", &config.Gateway.AccessKey)
	envString("GATEWAY_SECRET_KEY", &config.Gateway.SecretKey)
	envString("GATEWAY_BUCKET", &config.Gateway.Bucket)
	envBool("GATEWAY_USE_SSL", &config.Gateway.UseSSL)
	envInt("GATEWAY_MAX_COMPOSE_SOURCES", &config.Gateway.MaxComposeSources)

	envString("SESSION_DRIVER", &config.Sessions.Driver)
	envString("DATABASE_DSN", &config.Sessions.DatabaseDSN)
	envString("REDIS_ADDR", &config.Sessions.RedisAddr)
	envString("REDIS_PASSWORD", &config.Sessions.RedisPassword)
	envInt("REDIS_DB", &config.Sessions.RedisDB)
	envString("DYNAMO_TABLE", &config.Sessions.DynamoTable)
	envString("DYNAMO_ENDPOINT", &config.Sessions.DynamoEndpoint)
	envDuration("SESSION_TTL", &config.Sessions.TTL)

	envString("OBJECT_PREFIX", &config.Upload.ObjectPrefix)
	envDuration("WRITE_AUTHORIZATION_TTL", &config.Upload.WriteAuthorizationTTL)
	envDuration("READ_AUTHORIZATION_TTL", &config.Upload.ReadAuthorizationTTL)
	envString("SPILL_DIR", &config.Upload.SpillDir)

	envString("CLEANUP_SCHEDULE", &config.Cleanup.SweepSchedule)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_ENDPOINT", &config.Tracing.Endpoint)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	*dst = b
}

func envDuration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	*dst = d
}
