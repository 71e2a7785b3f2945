// Package cleanup reclaims storage left behind by upload sessions: chunk
// objects, compose intermediates and local spill areas after a successful
// merge or an abandon, and whole sessions once they expire.
package cleanup

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("cleanup coordinator is shut down")

// Task names everything that belongs to one session and can be removed.
// Prefixes are listed and every object under them is deleted.
type Task struct {
	UploadID   string
	Keys       []string
	Prefixes   []string
	LocalPaths []string
}

func (t Task) empty() bool {
	return len(t.Keys) == 0 && len(t.Prefixes) == 0 && len(t.LocalPaths) == 0
}

// Report summarizes one executed task.
type Report struct {
	Deleted  int
	Failed   int
	Duration time.Duration
}

// Coordinator runs cleanup tasks in the background. Tasks are tracked so that
// callers can wait for them; none of their failures reach the caller that
// scheduled them.
type Coordinator struct {
	gw          gateway.Gateway
	logger      logging.Logger
	metrics     *metrics.UploadMetrics
	timeout     time.Duration
	concurrency int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(gw gateway.Gateway, cfg config.CleanupConfig, logger logging.Logger, m *metrics.UploadMetrics) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		gw:          gw,
		logger:      logger,
		metrics:     m,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Minute
	}
	if c.concurrency <= 0 {
		c.concurrency = 8
	}
	return c
}

// Schedule starts t in a detached goroutine and returns immediately.
func (c *Coordinator) Schedule(t Task) error {
	if t.empty() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		c.Run(ctx, t)
	}()
	return nil
}

// Run executes t synchronously.
func (c *Coordinator) Run(ctx context.Context, t Task) Report {
	start := time.Now()
	logger := c.logger.With("upload_id", t.UploadID)

	keys := append([]string(nil), t.Keys...)
	for _, prefix := range t.Prefixes {
		objects, err := c.gw.List(ctx, prefix)
		if err != nil {
			logger.Warn(ctx, "cleanup list failed", "prefix", prefix, "error", err)
			continue
		}
		for _, o := range objects {
			keys = append(keys, o.Key)
		}
	}
	keys = dedupe(keys)

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(err error) {
		mu.Lock()
		if err != nil {
			report.Failed++
		} else {
			report.Deleted++
		}
		mu.Unlock()
		if c.metrics != nil {
			c.metrics.CleanupDelete(err)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			err := c.gw.Delete(ctx, key)
			if err != nil && !gateway.IsNotFound(err) {
				logger.Warn(ctx, "cleanup delete failed", "key", key, "error", err)
				record(err)
				return nil
			}
			record(nil)
			return nil
		})
	}
	_ = g.Wait()

	for _, path := range t.LocalPaths {
		err := os.RemoveAll(path)
		if err != nil {
			logger.Warn(ctx, "cleanup remove local artifact failed", "path", path, "error", err)
		}
		record(err)
	}

	report.Duration = time.Since(start)
	logger.Debug(ctx, "cleanup finished", "deleted", report.Deleted, "failed", report.Failed, "duration", report.Duration)
	return report
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Wait(ctx)
	c.cancel()
	return err
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
