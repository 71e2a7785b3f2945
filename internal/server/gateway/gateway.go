// Package gateway is the narrow interface the coordinator uses to talk to an
// S3-compatible object store, plus its implementations: aws-sdk-go-v2,
// minio-go and an in-memory store used in tests and local development.
//
// Every implementation is bound to a single bucket.
package gateway

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is the metadata returned by Stat and List.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// CompletedPart identifies one uploaded part of a native multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Gateway exposes the object store capabilities the merge cascade needs.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// IssueWriteAuthorization returns a presigned PUT URL for key.
	IssueWriteAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error)
	// IssueReadAuthorization returns a presigned GET URL for key.
	IssueReadAuthorization(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Stat returns ErrObjectNotFound when key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Compose concatenates sources server-side into dest. It returns
	// ErrTooManySources above MaxComposeSources and ErrUnsupported when the
	// store cannot compose at all. dest is untouched on failure.
	Compose(ctx context.Context, dest string, sources []string) error
	MaxComposeSources() int

	InitiateMultipart(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// AbortStaleMultipart aborts native uploads under prefix started before
	// olderThan and reports how many were aborted.
	AbortStaleMultipart(ctx context.Context, prefix string, olderThan time.Time) (int, error)

	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
	Bucket() string
}
