package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

// MinioGateway uses minio-go. Unlike S3Gateway it composes with the native
// ComposeObject call, which MinIO executes server-side.
type MinioGateway struct {
	core       *minio.Core
	bucket     string
	maxSources int
}

func NewMinioGateway(cfg config.GatewayConfig) (*MinioGateway, error) {
	endpoint, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	transport, err := minio.DefaultTransport(secure)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnsPerHost
		transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.RequestTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.RequestTimeout
	}

	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:     secure,
		Region:     cfg.Region,
		Transport:  transport,
		MaxRetries: max(cfg.RetryAttempts, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	maxSources := cfg.MaxComposeSources
	if maxSources <= 0 {
		maxSources = 32
	}

	return &MinioGateway{core: core, bucket: cfg.Bucket, maxSources: maxSources}, nil
}

// splitEndpoint accepts both "host:port" and "http(s)://host:port" forms.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

func (g *MinioGateway) Bucket() string { return g.bucket }

func (g *MinioGateway) MaxComposeSources() int { return g.maxSources }

func (g *MinioGateway) IssueWriteAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.core.Client.PresignedPutObject(ctx, g.bucket, key, ttl)
	if err != nil {
		return "", g.wrap("presign_put", key, err)
	}
	return u.String(), nil
}

func (g *MinioGateway) IssueReadAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.core.Client.PresignedGetObject(ctx, g.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", g.wrap("presign_get", key, err)
	}
	return u.String(), nil
}

func (g *MinioGateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := g.core.Client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, g.wrap("stat", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

func (g *MinioGateway) Compose(ctx context.Context, dest string, sources []string) error {
	if len(sources) == 0 {
		return g.wrap("compose", dest, errors.New("no sources"))
	}
	if len(sources) > g.maxSources {
		return g.wrap("compose", dest, ErrTooManySources)
	}

	srcs := make([]minio.CopySrcOptions, 0, len(sources))
	for _, s := range sources {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: g.bucket, Object: s})
	}

	_, err := g.core.Client.ComposeObject(ctx, minio.CopyDestOptions{Bucket: g.bucket, Object: dest}, srcs...)
	if err != nil {
		return g.wrap("compose", dest, err)
	}
	return nil
}

func (g *MinioGateway) InitiateMultipart(ctx context.Context, key string) (string, error) {
	id, err := g.core.NewMultipartUpload(ctx, g.bucket, key, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", g.wrap("initiate_multipart", key, err)
	}
	return id, nil
}

func (g *MinioGateway) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	part, err := g.core.PutObjectPart(ctx, g.bucket, key, uploadID, partNumber, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", g.wrap("upload_part", key, err)
	}
	return part.ETag, nil
}

func (g *MinioGateway) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	cp := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		cp = append(cp, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	_, err := g.core.CompleteMultipartUpload(ctx, g.bucket, key, uploadID, cp, minio.PutObjectOptions{})
	if err != nil {
		return g.wrap("complete_multipart", key, err)
	}
	return nil
}

func (g *MinioGateway) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := g.core.AbortMultipartUpload(ctx, g.bucket, key, uploadID); err != nil {
		return g.wrap("abort_multipart", key, err)
	}
	return nil
}

func (g *MinioGateway) AbortStaleMultipart(ctx context.Context, prefix string, olderThan time.Time) (int, error) {
	aborted := 0
	var errs []error
	for upload := range g.core.Client.ListIncompleteUploads(ctx, g.bucket, prefix, true) {
		if upload.Err != nil {
			return aborted, g.wrap("list_multipart", prefix, upload.Err)
		}
		if !upload.Initiated.Before(olderThan) {
			continue
		}
		if err := g.AbortMultipart(ctx, upload.Key, upload.UploadID); err != nil {
			errs = append(errs, err)
			continue
		}
		aborted++
	}
	return aborted, errors.Join(errs...)
}

func (g *MinioGateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, _, _, err := g.core.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, g.wrap("get", key, err)
	}
	return obj, nil
}

func (g *MinioGateway) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := g.core.Client.PutObject(ctx, g.bucket, key, body, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return g.wrap("put", key, err)
	}
	return nil
}

func (g *MinioGateway) Delete(ctx context.Context, key string) error {
	if err := g.core.Client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return g.wrap("delete", key, err)
	}
	return nil
}

func (g *MinioGateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range g.core.Client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, g.wrap("list", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag, LastModified: obj.LastModified})
	}
	return out, nil
}

func (g *MinioGateway) Ping(ctx context.Context) error {
	ok, err := g.core.Client.BucketExists(ctx, g.bucket)
	if err != nil {
		return g.wrap("ping", "", err)
	}
	if !ok {
		return g.wrap("ping", "", errors.New("bucket does not exist"))
	}
	return nil
}

func (g *MinioGateway) wrap(op, key string, err error) error {
	return newError(op, g.bucket, key, classifyMinio(err))
}

func classifyMinio(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchUpload", resp.Code == "NotFound":
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case resp.Code == "" && resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case resp.Code == "NotImplemented":
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	case resp.Code == "EntityTooSmall", resp.Code == "InvalidPart", resp.Code == "InvalidPartOrder":
		return fmt.Errorf("%w: %w", ErrInvalidPart, err)
	}
	return err
}
