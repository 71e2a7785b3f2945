package config

import (
	"flag"
	"io"
	"os"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g. ":8080")
//	-g string   gRPC health bind address, empty disables it
//	-w string   gateway driver: s3, minio, memory
//	-e string   object store endpoint
//	-b string   bucket
//	-r string   region
//	-u string   access key
//	-p string   secret key
//	-s string   session store driver: memory, postgres, redis, dynamodb
//	-d string   PostgreSQL DSN
//	-R string   Redis address
//	-l string   log level
//
// os.Args is filtered down to these flags first, so -c and unknown flags
// do not make parsing fail.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-w", "-e", "-b", "-r", "-u", "-p", "-s", "-d", "-R", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run the HTTP API")
	fs.StringVar(&config.HealthAddrGRPC, "g", config.HealthAddrGRPC, "address and port of the gRPC health service")
	fs.StringVar(&config.Gateway.Driver, "w", config.Gateway.Driver, "object store driver")
	fs.StringVar(&config.Gateway.Endpoint, "e", config.Gateway.Endpoint, "object store endpoint")
	fs.StringVar(&config.Gateway.Bucket, "b", config.Gateway.Bucket, "bucket")
	fs.StringVar(&config.Gateway.Region, "r", config.Gateway.Region, "region")
	fs.StringVar(&config.Gateway.AccessKey, "u", config.Gateway.AccessKey, "object store access key")
	fs.StringVar(&config.Gateway.SecretKey, "p", config.Gateway.SecretKey, "object store secret key")
	fs.StringVar(&config.Sessions.Driver, "s", config.Sessions.Driver, "session store driver")
	fs.StringVar(&config.Sessions.DatabaseDSN, "d", config.Sessions.DatabaseDSN, "database DSN")
	fs.StringVar(&config.Sessions.RedisAddr, "R", config.Sessions.RedisAddr, "redis address")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
