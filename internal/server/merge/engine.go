package merge

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
	"github.com/dmitrijs2005/gophupload/internal/server/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// VerifiedChunk is a chunk whose object was found with the expected size.
type VerifiedChunk struct {
	PartNumber int
	Key        string
	Size       int64
	ETag       string
}

// Job is the input of a single strategy attempt. Chunks are in ascending,
// contiguous part order starting at 1.
type Job struct {
	UploadID    string
	Destination string
	Chunks      []VerifiedChunk
	Concurrency int
}

// TotalSize is the byte length of the assembled object.
func (j *Job) TotalSize() int64 {
	var n int64
	for _, c := range j.Chunks {
		n += c.Size
	}
	return n
}

func (j *Job) limit() int {
	if j.Concurrency <= 0 {
		return defaultConcurrency
	}
	return j.Concurrency
}

// Outcome lists what a successful strategy left behind for cleanup.
type Outcome struct {
	Temporaries    []string
	LocalArtifacts []string
}

// Strategy is one way of assembling the destination object.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, job *Job) (*Outcome, error)
}

// Result describes a successful assembly.
type Result struct {
	Location       string
	Strategy       string
	Attempts       []common.StrategyAttempt
	Temporaries    []string
	LocalArtifacts []string
}

// Engine verifies chunks and runs the strategy cascade.
type Engine struct {
	gw         gateway.Gateway
	strategies []Strategy
	retry      retryx.Policy
	metrics    *metrics.UploadMetrics
	logger     logging.Logger
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.UploadMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithRetry(p retryx.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(gw gateway.Gateway, logger logging.Logger, strategies []Strategy, opts ...Option) *Engine {
	e := &Engine{
		gw:         gw,
		strategies: strategies,
		retry:      retryx.DefaultPolicy,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategies returns the strategy names in the order they are attempted.
func (e *Engine) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Verify stats every chunk of the session. Chunks that are missing or whose
// size differs from their byte range are all reported together in a
// *common.ChunkMissingError. Other gateway failures are returned as is.
func (e *Engine) Verify(ctx context.Context, session *models.UploadSession) ([]VerifiedChunk, error) {
	ctx, span := tracing.Start(ctx, "merge.verify",
		attribute.String("upload.id", session.UploadID),
		attribute.Int("upload.chunks", len(session.Chunks)),
	)

	verified, err := e.verify(ctx, session)
	tracing.End(span, err)
	return verified, err
}

func (e *Engine) verify(ctx context.Context, session *models.UploadSession) ([]VerifiedChunk, error) {
	if len(session.Chunks) == 0 {
		return nil, common.NewValidationError("session", "has no chunks")
	}

	limit := session.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	var (
		mu       sync.Mutex
		problems []common.ChunkProblem
		verified = make([]VerifiedChunk, len(session.Chunks))
		now      = e.now()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, chunk := range session.Chunks {
		g.Go(func() error {
			info, err := retryx.Value(gctx, e.retry, func(ctx context.Context) (gateway.ObjectInfo, error) {
				return e.gw.Stat(ctx, chunk.ObjectKey)
			}, gateway.IsRetriable)

			var reason string
			switch {
			case gateway.IsNotFound(err):
				reason = "not found"
			case err != nil:
				return fmt.Errorf("stat part %d: %w", chunk.PartNumber, err)
			case info.Size != chunk.Length():
				reason = fmt.Sprintf("size %d, expected %d", info.Size, chunk.Length())
			}

			if reason != "" {
				mu.Lock()
				problems = append(problems, common.ChunkProblem{
					PartNumber:           chunk.PartNumber,
					Reason:               reason,
					AuthorizationExpired: chunk.AuthorizationExpired(now),
				})
				mu.Unlock()
				return nil
			}

			verified[i] = VerifiedChunk{
				PartNumber: chunk.PartNumber,
				Key:        chunk.ObjectKey,
				Size:       info.Size,
				ETag:       info.ETag,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(problems) > 0 {
		slices.SortFunc(problems, func(a, b common.ChunkProblem) int { return a.PartNumber - b.PartNumber })
		return nil, &common.ChunkMissingError{Problems: problems}
	}

	return verified, nil
}

// Assemble runs the strategies in order until one succeeds. Attempts are
// recorded whether they succeed or not.
func (e *Engine) Assemble(ctx context.Context, session *models.UploadSession, chunks []VerifiedChunk) (*Result, error) {
	job := &Job{
		UploadID:    session.UploadID,
		Destination: session.ObjectName,
		Chunks:      chunks,
		Concurrency: session.Concurrency,
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}

	logger := e.logger.With("upload_id", session.UploadID, "object", session.ObjectName)
	attempts := make([]common.StrategyAttempt, 0, len(e.strategies))

	for _, s := range e.strategies {
		out, attempt := e.attempt(ctx, s, job)
		attempts = append(attempts, attempt)

		if attempt.Error == "" {
			logger.Info(ctx, "merge complete", "strategy", s.Name(), "duration", attempt.Duration)
			res := &Result{
				Location: session.ObjectName,
				Strategy: s.Name(),
				Attempts: attempts,
			}
			if out != nil {
				res.Temporaries = out.Temporaries
				res.LocalArtifacts = out.LocalArtifacts
			}
			return res, nil
		}

		logger.Warn(ctx, "merge strategy failed", "strategy", s.Name(), "error", attempt.Error)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &common.MergeExhaustedError{Attempts: attempts}
}

func (e *Engine) attempt(ctx context.Context, s Strategy, job *Job) (*Outcome, common.StrategyAttempt) {
	ctx, span := tracing.Start(ctx, "merge."+s.Name(),
		attribute.String("upload.id", job.UploadID),
		attribute.Int("upload.chunks", len(job.Chunks)),
	)

	start := e.now()
	out, err := s.Attempt(ctx, job)
	dur := e.now().Sub(start)

	tracing.End(span, err)
	if e.metrics != nil {
		e.metrics.MergeAttempt(s.Name(), err, dur)
	}

	attempt := common.StrategyAttempt{Strategy: s.Name(), Duration: dur}
	if err != nil {
		attempt.Error = err.Error()
	}
	return out, attempt
}

func validateJob(job *Job) error {
	if len(job.Chunks) == 0 {
		return common.NewValidationError("chunks", "nothing to merge")
	}
	for i, c := range job.Chunks {
		if c.PartNumber != i+1 {
			return common.NewValidationError("chunks", fmt.Sprintf("part %d at position %d", c.PartNumber, i+1))
		}
	}
	return nil
}
