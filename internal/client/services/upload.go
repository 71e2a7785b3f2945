// Package services contains application services for the uploader.
// This file defines the chunked upload flow: plan, transfer each byte range
// to its presigned URL, request fresh URLs for the parts that could not be
// written, report, and complete.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/gophupload/internal/client/client"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/netx"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// UploadService uploads local files through the coordinator.
//
// Contract:
//   - Upload: send the file at path and return where it ended up.
//
// All methods must honor context cancellation/timeouts.
type UploadService interface {
	Upload(ctx context.Context, path string) (*Result, error)
}

// Result describes a finished upload. UploadID and Strategy are empty for
// direct uploads.
type Result struct {
	UploadID string
	Location string
	URL      string
	Strategy string
	Size     int64
	Direct   bool
}

type Options struct {
	ChunkSize   int64
	Concurrency int
	MaxReissues int
	Retry       retryx.Policy
}

type uploadService struct {
	client client.Client
	http   *http.Client
	opts   Options
	logger logging.Logger
}

func NewUploadService(c client.Client, hc *http.Client, opts Options, logger logging.Logger) UploadService {
	return &uploadService{client: c, http: hc, opts: opts, logger: logger}
}

func (s *uploadService) Upload(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	size := info.Size()

	plan, err := retryx.Value(ctx, s.opts.Retry, func(ctx context.Context) (*models.PlanResponse, error) {
		return s.client.Plan(ctx, models.PlanRequest{
			FileName:        name,
			FileSize:        size,
			ChunkSizeHint:   s.opts.ChunkSize,
			ConcurrencyHint: s.opts.Concurrency,
		})
	}, client.IsRetriable)
	if err != nil {
		return nil, fmt.Errorf("plan upload: %w", err)
	}

	if plan.ShouldDirectUpload {
		return s.direct(ctx, f, name, size)
	}

	s.logger.Info(ctx, "upload planned",
		"upload_id", plan.UploadID,
		"chunks", plan.TotalChunks,
		"chunk_size", plan.ChunkSize,
		"concurrency", plan.Concurrency,
	)

	pending := plan.Chunks
	for round := 0; ; round++ {
		redo, err := s.transfer(ctx, f, plan.UploadID, plan.Concurrency, pending)
		if err != nil {
			return nil, err
		}

		if len(redo) == 0 {
			done, err := s.complete(ctx, plan)
			if err == nil {
				return &Result{
					UploadID: plan.UploadID,
					Location: done.Location,
					URL:      done.ReadURL,
					Strategy: done.Strategy,
					Size:     size,
				}, nil
			}
			var apiErr *client.APIError
			if !errors.Is(err, common.ErrChunkMissing) || !errors.As(err, &apiErr) {
				return nil, fmt.Errorf("complete upload: %w", err)
			}
			redo = apiErr.MissingParts()
			s.logger.Warn(ctx, "server reports missing chunks", "upload_id", plan.UploadID, "parts", redo)
		}

		if round >= s.opts.MaxReissues {
			return nil, fmt.Errorf("parts %v could not be uploaded after %d reissues: %w", redo, round, common.ErrChunkMissing)
		}

		reissued, err := retryx.Value(ctx, s.opts.Retry, func(ctx context.Context) (*models.ReissueResponse, error) {
			return s.client.Reissue(ctx, plan.UploadID, redo)
		}, client.IsRetriable)
		if err != nil {
			return nil, fmt.Errorf("reissue authorizations: %w", err)
		}
		pending = reissued.Chunks
	}
}

func (s *uploadService) direct(ctx context.Context, f io.ReaderAt, name string, size int64) (*Result, error) {
	resp, err := retryx.Value(ctx, s.opts.Retry, func(ctx context.Context) (*models.DirectUploadResponse, error) {
		return s.client.DirectUpload(ctx, name, io.NewSectionReader(f, 0, size), size)
	}, client.IsRetriable)
	if err != nil {
		return nil, fmt.Errorf("direct upload: %w", err)
	}
	return &Result{Location: resp.Location, URL: resp.ReadURL, Size: resp.Size, Direct: true}, nil
}

// transfer writes every chunk to its URL and reports it. Parts without a URL,
// or whose URL the store rejected as expired, are returned for reissue.
func (s *uploadService) transfer(ctx context.Context, f io.ReaderAt, uploadID string, concurrency int, chunks []models.ChunkAuthorization) ([]int, error) {
	var (
		mu   sync.Mutex
		redo []int
	)
	later := func(part int) {
		mu.Lock()
		redo = append(redo, part)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for _, c := range chunks {
		if c.WriteURL == "" {
			later(c.PartNumber)
			continue
		}
		g.Go(func() error {
			err := retryx.Retry(gctx, s.opts.Retry, func(ctx context.Context) error {
				body := io.NewSectionReader(f, c.StartByte, c.EndByte-c.StartByte+1)
				return netx.UploadToPresignedURL(ctx, s.http, c.WriteURL, body, body.Size())
			}, transferRetriable)

			var se *netx.StatusError
			if errors.As(err, &se) && se.Expired() {
				s.logger.Debug(gctx, "authorization rejected", "upload_id", uploadID, "part", c.PartNumber)
				later(c.PartNumber)
				return nil
			}
			if err != nil {
				return fmt.Errorf("upload part %d: %w", c.PartNumber, err)
			}

			_, err = retryx.Value(gctx, s.opts.Retry, func(ctx context.Context) (*models.ChunkReport, error) {
				return s.client.ReportChunk(ctx, uploadID, c.PartNumber)
			}, client.IsRetriable)
			if err != nil {
				return fmt.Errorf("report part %d: %w", c.PartNumber, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(redo)
	return redo, nil
}

func (s *uploadService) complete(ctx context.Context, plan *models.PlanResponse) (*models.CompleteResponse, error) {
	return retryx.Value(ctx, s.opts.Retry, func(ctx context.Context) (*models.CompleteResponse, error) {
		return s.client.Complete(ctx, plan.UploadID, models.CompleteRequest{
			ObjectName:  plan.ObjectName,
			TotalChunks: plan.TotalChunks,
		})
	}, client.IsRetriable)
}

// transferRetriable retries network failures and server side errors of the
// object store. Rejections are final for the URL in hand.
func transferRetriable(err error) bool {
	var se *netx.StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	return true
}
