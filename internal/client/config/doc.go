// Package config loads runtime configuration for the uploader.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the upload coordinator
//	-f string   path of the file to upload
//	-k int      chunk size hint in MiB, 0 lets the server decide
//	-n int      concurrency hint, 0 lets the server decide
//
// # JSON schema
//
// Durations use timex.Duration, so they can be strings like "30s" or
// integer nanoseconds:
//
//	{
//	  "server_addr": "http://127.0.0.1:8080",
//	  "chunk_size_mib": 8,
//	  "concurrency": 4,
//	  "request_timeout": "30s",
//	  "max_reissues": 3
//	}
package config
