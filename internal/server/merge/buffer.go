package merge

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/gophupload/internal/filex"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"golang.org/x/sync/errgroup"
)

const StrategyBuffer = "buffer"

// Buffer downloads every chunk into a local spill area and uploads the
// concatenation as a single object. Fetches run concurrently; the uploaded
// stream reads the spill files in ascending part order.
type Buffer struct {
	gw       gateway.Gateway
	spillDir string
	retry    retryx.Policy
	logger   logging.Logger
}

func NewBuffer(gw gateway.Gateway, spillDir string, retry retryx.Policy, logger logging.Logger) *Buffer {
	return &Buffer{gw: gw, spillDir: spillDir, retry: retry, logger: logger}
}

func (b *Buffer) Name() string { return StrategyBuffer }

func (b *Buffer) Attempt(ctx context.Context, job *Job) (*Outcome, error) {
	area, err := filex.NewSpillArea(b.spillDir, "merge-"+job.UploadID)
	if err != nil {
		return nil, err
	}

	if err := b.run(ctx, job, area); err != nil {
		if rmErr := area.Remove(); rmErr != nil {
			b.logger.Warn(ctx, "remove spill area failed", "dir", area.Dir(), "error", rmErr)
		}
		return nil, err
	}

	return &Outcome{LocalArtifacts: []string{area.Dir()}}, nil
}

func (b *Buffer) run(ctx context.Context, job *Job, area *filex.SpillArea) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(job.limit())

	for _, ch := range job.Chunks {
		g.Go(func() error {
			err := retryx.Retry(gctx, b.retry, func(ctx context.Context) error {
				return b.fetch(ctx, ch, area.PartPath(ch.PartNumber))
			}, gateway.IsRetriable)
			if err != nil {
				return fmt.Errorf("fetch part %d: %w", ch.PartNumber, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	files := make([]*os.File, 0, len(job.Chunks))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	readers := make([]io.Reader, 0, len(job.Chunks))
	for _, ch := range job.Chunks {
		f, err := os.Open(area.PartPath(ch.PartNumber))
		if err != nil {
			return fmt.Errorf("open part %d: %w", ch.PartNumber, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	return b.gw.Put(ctx, job.Destination, io.MultiReader(readers...), job.TotalSize())
}

// fetch writes the chunk to path, truncating whatever a previous try left.
func (b *Buffer) fetch(ctx context.Context, ch VerifiedChunk, path string) error {
	rc, err := b.gw.Get(ctx, ch.Key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != ch.Size {
		return fmt.Errorf("read %d bytes, expected %d", n, ch.Size)
	}
	return nil
}
