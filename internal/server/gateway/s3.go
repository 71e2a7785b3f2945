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

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// copyPartConcurrency bounds parallel UploadPartCopy calls inside Compose.
const copyPartConcurrency = 8

// S3Gateway talks to S3 or any S3-compatible store through aws-sdk-go-v2.
// Compose is emulated with a multipart upload whose parts are server-side
// copies of the sources, so it fails when a non-final source is smaller
// than the store's minimum part size.
type S3Gateway struct {
	client     S3API
	presigner  Presigner
	bucket     string
	maxSources int
}

// NewS3Gateway builds the client from cfg.
func NewS3Gateway(ctx context.Context, cfg config.GatewayConfig) (*S3Gateway, error) {
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(cfg.RequestTimeout).
		WithTransportOptions(func(tr *http.Transport) {
			if cfg.MaxConnsPerHost > 0 {
				tr.MaxConnsPerHost = cfg.MaxConnsPerHost
				tr.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
			}
		})

	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(max(cfg.RetryAttempts, 1)),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3GatewayWithClient(client, newS3PresignClient(client), cfg.Bucket, cfg.MaxComposeSources), nil
}

// NewS3GatewayWithClient wires an existing client; used by tests.
func NewS3GatewayWithClient(client S3API, presigner Presigner, bucket string, maxSources int) *S3Gateway {
	if maxSources <= 0 {
		maxSources = 32
	}
	return &S3Gateway{client: client, presigner: presigner, bucket: bucket, maxSources: maxSources}
}

func (g *S3Gateway) Bucket() string { return g.bucket }

func (g *S3Gateway) MaxComposeSources() int { return g.maxSources }

func (g *S3Gateway) IssueWriteAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", g.wrap("presign_put", key, err)
	}
	return req.URL, nil
}

func (g *S3Gateway) IssueReadAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", g.wrap("presign_get", key, err)
	}
	return req.URL, nil
}

func (g *S3Gateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, g.wrap("stat", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (g *S3Gateway) Compose(ctx context.Context, dest string, sources []string) (err error) {
	if len(sources) == 0 {
		return g.wrap("compose", dest, errors.New("no sources"))
	}
	if len(sources) > g.maxSources {
		return g.wrap("compose", dest, ErrTooManySources)
	}

	uploadID, err := g.InitiateMultipart(ctx, dest)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = g.AbortMultipart(context.WithoutCancel(ctx), dest, uploadID)
		}
	}()

	parts := make([]CompletedPart, len(sources))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(copyPartConcurrency)
	for i, src := range sources {
		eg.Go(func() error {
			out, err := g.client.UploadPartCopy(egCtx, &s3.UploadPartCopyInput{
				Bucket:     aws.String(g.bucket),
				Key:        aws.String(dest),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(int32(i + 1)),
				CopySource: aws.String(copySource(g.bucket, src)),
			})
			if err != nil {
				return g.wrap("compose", src, err)
			}
			var etag string
			if out.CopyPartResult != nil {
				etag = aws.ToString(out.CopyPartResult.ETag)
			}
			parts[i] = CompletedPart{PartNumber: i + 1, ETag: etag}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return err
	}

	return g.CompleteMultipart(ctx, dest, uploadID, parts)
}

// copySource builds the URL-encoded bucket/key value UploadPartCopy expects.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

func (g *S3Gateway) InitiateMultipart(ctx context.Context, key string) (string, error) {
	out, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", g.wrap("initiate_multipart", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (g *S3Gateway) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	out, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return "", g.wrap("upload_part", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (g *S3Gateway) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return g.wrap("complete_multipart", key, err)
	}
	return nil
}

func (g *S3Gateway) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return g.wrap("abort_multipart", key, err)
	}
	return nil
}

func (g *S3Gateway) AbortStaleMultipart(ctx context.Context, prefix string, olderThan time.Time) (int, error) {
	in := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	}

	aborted := 0
	var errs []error
	for {
		out, err := g.client.ListMultipartUploads(ctx, in)
		if err != nil {
			return aborted, g.wrap("list_multipart", prefix, err)
		}

		for _, u := range out.Uploads {
			if u.Initiated != nil && !u.Initiated.Before(olderThan) {
				continue
			}
			if err := g.AbortMultipart(ctx, aws.ToString(u.Key), aws.ToString(u.UploadId)); err != nil {
				errs = append(errs, err)
				continue
			}
			aborted++
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.KeyMarker = out.NextKeyMarker
		in.UploadIdMarker = out.NextUploadIdMarker
	}
	return aborted, errors.Join(errs...)
}

func (g *S3Gateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, g.wrap("get", key, err)
	}
	return out.Body, nil
}

func (g *S3Gateway) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return g.wrap("put", key, err)
	}
	return nil
}

func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return g.wrap("delete", key, err)
	}
	return nil
}

func (g *S3Gateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	p := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	})

	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, g.wrap("list", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (g *S3Gateway) Ping(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)})
	if err != nil {
		return g.wrap("ping", "", err)
	}
	return nil
}

func (g *S3Gateway) wrap(op, key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var apiErr smithy.APIError

	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		err = fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			err = fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		case "NotImplemented":
			err = fmt.Errorf("%w: %w", ErrUnsupported, err)
		case "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
			err = fmt.Errorf("%w: %w", ErrInvalidPart, err)
		}
	}
	return newError(op, g.bucket, key, err)
}
