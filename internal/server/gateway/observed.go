package gateway

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dmitrijs2005/gophupload/internal/server/tracing"
)

// Observer receives one call per gateway operation.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}

// Observed decorates a Gateway with metrics and a span per call.
type Observed struct {
	Gateway
	obs Observer
}

func NewObserved(g Gateway, obs Observer) *Observed {
	return &Observed{Gateway: g, obs: obs}
}

func (o *Observed) record(ctx context.Context, op, key string, bytes int64, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Start(ctx, "gateway."+op,
		attribute.String("gateway.bucket", o.Bucket()),
		attribute.String("gateway.key", key),
	)
	start := time.Now()
	err := fn(ctx)
	o.obs.Observe(op, bytes, err, time.Since(start))
	tracing.End(span, err)
	return err
}

func (o *Observed) IssueWriteAuthorization(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	err = o.record(ctx, "presign_put", key, 0, func(ctx context.Context) error {
		url, err = o.Gateway.IssueWriteAuthorization(ctx, key, ttl)
		return err
	})
	return url, err
}

func (o *Observed) IssueReadAuthorization(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	err = o.record(ctx, "presign_get", key, 0, func(ctx context.Context) error {
		url, err = o.Gateway.IssueReadAuthorization(ctx, key, ttl)
		return err
	})
	return url, err
}

func (o *Observed) Stat(ctx context.Context, key string) (info ObjectInfo, err error) {
	err = o.record(ctx, "stat", key, 0, func(ctx context.Context) error {
		info, err = o.Gateway.Stat(ctx, key)
		return err
	})
	return info, err
}

func (o *Observed) Compose(ctx context.Context, dest string, sources []string) error {
	return o.record(ctx, "compose", dest, 0, func(ctx context.Context) error {
		return o.Gateway.Compose(ctx, dest, sources)
	})
}

func (o *Observed) InitiateMultipart(ctx context.Context, key string) (id string, err error) {
	err = o.record(ctx, "initiate_multipart", key, 0, func(ctx context.Context) error {
		id, err = o.Gateway.InitiateMultipart(ctx, key)
		return err
	})
	return id, err
}

func (o *Observed) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (etag string, err error) {
	err = o.record(ctx, "upload_part", key, size, func(ctx context.Context) error {
		etag, err = o.Gateway.UploadPart(ctx, key, uploadID, partNumber, body, size)
		return err
	})
	return etag, err
}

func (o *Observed) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	return o.record(ctx, "complete_multipart", key, 0, func(ctx context.Context) error {
		return o.Gateway.CompleteMultipart(ctx, key, uploadID, parts)
	})
}

func (o *Observed) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return o.record(ctx, "abort_multipart", key, 0, func(ctx context.Context) error {
		return o.Gateway.AbortMultipart(ctx, key, uploadID)
	})
}

func (o *Observed) AbortStaleMultipart(ctx context.Context, prefix string, olderThan time.Time) (n int, err error) {
	err = o.record(ctx, "abort_stale_multipart", prefix, 0, func(ctx context.Context) error {
		n, err = o.Gateway.AbortStaleMultipart(ctx, prefix, olderThan)
		return err
	})
	return n, err
}

func (o *Observed) Get(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	err = o.record(ctx, "get", key, 0, func(ctx context.Context) error {
		rc, err = o.Gateway.Get(ctx, key)
		return err
	})
	return rc, err
}

func (o *Observed) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	return o.record(ctx, "put", key, size, func(ctx context.Context) error {
		return o.Gateway.Put(ctx, key, body, size)
	})
}

func (o *Observed) Delete(ctx context.Context, key string) error {
	return o.record(ctx, "delete", key, 0, func(ctx context.Context) error {
		return o.Gateway.Delete(ctx, key)
	})
}

func (o *Observed) List(ctx context.Context, prefix string) (out []ObjectInfo, err error) {
	err = o.record(ctx, "list", prefix, 0, func(ctx context.Context) error {
		out, err = o.Gateway.List(ctx, prefix)
		return err
	})
	return out, err
}

func (o *Observed) Ping(ctx context.Context) error {
	return o.record(ctx, "ping", "", 0, o.Gateway.Ping)
}

// IsReady and Name let a Gateway serve as a readiness check.
func (o *Observed) IsReady(ctx context.Context) error { return o.Ping(ctx) }

func (o *Observed) Name() string { return "gateway[" + o.Bucket() + "]" }
