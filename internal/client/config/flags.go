package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the upload coordinator (default from Config)
//	-f string   file to upload
//	-k int      chunk size hint in MiB
//	-n int      concurrency hint
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-f", "-k", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerAddr, "a", cfg.ServerAddr, "base URL of the upload coordinator")
	fs.StringVar(&cfg.FilePath, "f", cfg.FilePath, "file to upload")
	fs.Int64Var(&cfg.ChunkSizeMiB, "k", cfg.ChunkSizeMiB, "chunk size hint (in MiB)")
	fs.IntVar(&cfg.Concurrency, "n", cfg.Concurrency, "number of chunks uploaded in parallel")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
