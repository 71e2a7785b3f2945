package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

// New builds the gateway selected by cfg.Driver.
func New(ctx context.Context, cfg config.GatewayConfig) (Gateway, error) {
	switch strings.ToLower(cfg.Driver) {
	case "s3":
		return NewS3Gateway(ctx, cfg)
	case "minio", "":
		return NewMinioGateway(cfg)
	case "memory":
		return NewMemoryGateway(cfg.Bucket, cfg.MaxComposeSources), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.Driver)
	}
}
