package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophupload/internal/client/client"
	"github.com/dmitrijs2005/gophupload/internal/client/config"
	"github.com/dmitrijs2005/gophupload/internal/client/services"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
)

func main() {

	cfg := config.LoadConfig()
	if cfg.FilePath == "" {
		log.Fatalf("no file to upload, pass it with -f")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New("info", "text", os.Stderr)

	api := client.NewHTTPClient(cfg.ServerAddr, &http.Client{Timeout: cfg.RequestTimeout})
	svc := services.NewUploadService(api, &http.Client{}, services.Options{
		ChunkSize:   cfg.ChunkSizeBytes(),
		Concurrency: cfg.Concurrency,
		MaxReissues: cfg.MaxReissues,
		Retry:       retryx.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
	}, logger)

	res, err := svc.Upload(ctx, cfg.FilePath)
	if err != nil {
		log.Fatalf("upload failed: %v", err)
	}

	if res.Direct {
		logger.Info(ctx, "uploaded directly", "location", res.Location, "size", res.Size)
	} else {
		logger.Info(ctx, "upload complete", "upload_id", res.UploadID, "location", res.Location, "strategy", res.Strategy)
	}
	fmt.Println(res.URL)

}
