package merge

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"golang.org/x/sync/errgroup"
)

const StrategyMultipart = "multipart"

// Multipart streams every chunk through this process into a native
// multipart upload of the destination.
type Multipart struct {
	gw     gateway.Gateway
	retry  retryx.Policy
	logger logging.Logger
}

func NewMultipart(gw gateway.Gateway, retry retryx.Policy, logger logging.Logger) *Multipart {
	return &Multipart{gw: gw, retry: retry, logger: logger}
}

func (m *Multipart) Name() string { return StrategyMultipart }

func (m *Multipart) Attempt(ctx context.Context, job *Job) (*Outcome, error) {
	uploadID, err := retryx.Value(ctx, m.retry, func(ctx context.Context) (string, error) {
		return m.gw.InitiateMultipart(ctx, job.Destination)
	}, gateway.IsRetriable)
	if err != nil {
		return nil, err
	}

	if err := m.transfer(ctx, job, uploadID); err != nil {
		m.abort(ctx, job.Destination, uploadID)
		return nil, err
	}

	return &Outcome{}, nil
}

func (m *Multipart) transfer(ctx context.Context, job *Job, uploadID string) error {
	parts := make([]gateway.CompletedPart, len(job.Chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(job.limit())

	for _, ch := range job.Chunks {
		g.Go(func() error {
			etag, err := retryx.Value(gctx, m.retry, func(ctx context.Context) (string, error) {
				return m.copyPart(ctx, job.Destination, uploadID, ch)
			}, gateway.IsRetriable)
			if err != nil {
				return fmt.Errorf("part %d: %w", ch.PartNumber, err)
			}
			parts[ch.PartNumber-1] = gateway.CompletedPart{PartNumber: ch.PartNumber, ETag: etag}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return retryx.Retry(ctx, m.retry, func(ctx context.Context) error {
		return m.gw.CompleteMultipart(ctx, job.Destination, uploadID, parts)
	}, gateway.IsRetriable)
}

// copyPart opens the chunk afresh on every call so a retry never resumes a
// half-consumed stream.
func (m *Multipart) copyPart(ctx context.Context, dest, uploadID string, ch VerifiedChunk) (string, error) {
	rc, err := m.gw.Get(ctx, ch.Key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	return m.gw.UploadPart(ctx, dest, uploadID, ch.PartNumber, rc, ch.Size)
}

func (m *Multipart) abort(ctx context.Context, key, uploadID string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.gw.AbortMultipart(ctx, key, uploadID); err != nil {
		m.logger.Warn(ctx, "abort multipart upload failed", "key", key, "multipart_id", uploadID, "error", err)
	}
}
