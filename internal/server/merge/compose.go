package merge

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"golang.org/x/sync/errgroup"
)

const StrategyCompose = "compose"

// BatchKey names the intermediate object holding batch i of the given level.
func BatchKey(destination string, level, i int) string {
	return fmt.Sprintf("%s_batch_%d_%d", destination, level, i)
}

// Compose concatenates chunk objects inside the store. When there are more
// chunks than the store accepts per call, they are composed level by level
// into intermediate batch objects first.
type Compose struct {
	gw     gateway.Gateway
	retry  retryx.Policy
	logger logging.Logger
}

func NewCompose(gw gateway.Gateway, retry retryx.Policy, logger logging.Logger) *Compose {
	return &Compose{gw: gw, retry: retry, logger: logger}
}

func (c *Compose) Name() string { return StrategyCompose }

func (c *Compose) Attempt(ctx context.Context, job *Job) (*Outcome, error) {
	maxSources := c.gw.MaxComposeSources()
	if maxSources < 2 {
		return nil, fmt.Errorf("compose: %w", gateway.ErrUnsupported)
	}

	sources := make([]string, 0, len(job.Chunks))
	for _, ch := range job.Chunks {
		sources = append(sources, ch.Key)
	}

	var temporaries []string

	for level := 1; len(sources) > maxSources; level++ {
		next, created, err := c.composeLevel(ctx, job, sources, maxSources, level)
		temporaries = append(temporaries, created...)
		if err != nil {
			c.discard(ctx, temporaries)
			return nil, err
		}
		sources = next
	}

	if err := c.compose(ctx, job.Destination, sources); err != nil {
		c.discard(ctx, temporaries)
		return nil, err
	}

	return &Outcome{Temporaries: temporaries}, nil
}

// composeLevel groups sources into batches of maxSources and composes each
// batch into its own intermediate. It returns the keys feeding the next level
// in order, and the intermediates that were actually written.
func (c *Compose) composeLevel(ctx context.Context, job *Job, sources []string, maxSources, level int) ([]string, []string, error) {
	batches := (len(sources) + maxSources - 1) / maxSources
	next := make([]string, batches)
	written := make([]bool, batches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(job.limit())

	for i := range batches {
		lo := i * maxSources
		hi := min(lo+maxSources, len(sources))
		batch := sources[lo:hi]

		if len(batch) == 1 {
			next[i] = batch[0]
			continue
		}

		key := BatchKey(job.Destination, level, i)
		next[i] = key
		g.Go(func() error {
			if err := c.compose(gctx, key, batch); err != nil {
				return err
			}
			written[i] = true
			return nil
		})
	}

	err := g.Wait()

	var created []string
	for i, ok := range written {
		if ok {
			created = append(created, next[i])
		}
	}
	return next, created, err
}

func (c *Compose) compose(ctx context.Context, dest string, sources []string) error {
	return retryx.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.gw.Compose(ctx, dest, sources)
	}, gateway.IsRetriable)
}

// discard removes intermediates of a failed attempt. Failures are only logged;
// the sweeper removes leftovers together with the session.
func (c *Compose) discard(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := c.gw.Delete(ctx, key); err != nil {
			c.logger.Warn(ctx, "delete compose intermediate failed", "key", key, "error", err)
		}
	}
}
