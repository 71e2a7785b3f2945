package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
	"github.com/dmitrijs2005/gophupload/internal/server/sessions"
)

// SessionTask builds the cleanup task for a session that is being dropped
// without a successful merge: every chunk and every intermediate under the
// session's object name.
func SessionTask(s *models.UploadSession) Task {
	return Task{
		UploadID: s.UploadID,
		Keys:     s.ChunkKeys(),
		Prefixes: []string{s.ObjectName + "_"},
	}
}

// Sweeper periodically removes expired sessions and aborts native multipart
// uploads that were never completed.
type Sweeper struct {
	store       sessions.Store
	gw          gateway.Gateway
	coordinator *Coordinator
	logger      logging.Logger
	metrics     *metrics.UploadMetrics

	schedule     string
	batch        int
	staleAge     time.Duration
	mergeTimeout time.Duration
	prefix       string
	now          func() time.Time
}

func NewSweeper(store sessions.Store, gw gateway.Gateway, coordinator *Coordinator, cfg *config.Config, logger logging.Logger, m *metrics.UploadMetrics) *Sweeper {
	s := &Sweeper{
		store:        store,
		gw:           gw,
		coordinator:  coordinator,
		logger:       logger,
		metrics:      m,
		schedule:     cfg.Cleanup.SweepSchedule,
		batch:        cfg.Cleanup.SweepBatch,
		staleAge:     cfg.Cleanup.StaleMultipartAge,
		mergeTimeout: cfg.Upload.MergeTimeout,
		prefix:       cfg.Upload.ObjectPrefix,
		now:          time.Now,
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	return s
}

// Run sweeps on the configured cron schedule until ctx is done. An empty
// schedule disables sweeping.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.schedule == "" {
		s.logger.Info(ctx, "session sweeper disabled")
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error(ctx, "sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.schedule, err)
	}

	s.logger.Info(ctx, "session sweeper started", "schedule", s.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info(ctx, "session sweeper stopped")
	return nil
}

func (s *Sweeper) mergeStale(sess *models.UploadSession, now time.Time) bool {
	return s.mergeTimeout > 0 && sess.UpdatedAt.Add(s.mergeTimeout).Before(now)
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	Sessions         int
	AbortedMultipart int
}

// Sweep removes up to one batch of expired sessions. Completed sessions lose
// only their record; all others also have their chunk objects scheduled for
// deletion. A merging session is left alone until it has not been touched
// for longer than the merge timeout.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	expired, err := s.store.ListExpired(ctx, now, s.batch)
	if err != nil {
		return report, fmt.Errorf("list expired sessions: %w", err)
	}

	for _, sess := range expired {
		if sess.Status == models.StatusMerging && !s.mergeStale(sess, now) {
			continue
		}
		if err := s.store.Delete(ctx, sess.UploadID); err != nil {
			s.logger.Warn(ctx, "delete expired session failed", "upload_id", sess.UploadID, "error", err)
			continue
		}
		report.Sessions++

		if sess.Status == models.StatusComplete {
			continue
		}
		if err := s.coordinator.Schedule(SessionTask(sess)); err != nil {
			s.logger.Warn(ctx, "schedule cleanup failed", "upload_id", sess.UploadID, "error", err)
		}
	}

	if s.staleAge > 0 {
		n, err := s.gw.AbortStaleMultipart(ctx, s.prefix, now.Add(-s.staleAge))
		if err != nil {
			s.logger.Warn(ctx, "abort stale multipart uploads failed", "error", err)
		}
		report.AbortedMultipart = n
	}

	if s.metrics != nil {
		s.metrics.Swept(report.Sessions, report.AbortedMultipart)
	}
	if report.Sessions > 0 || report.AbortedMultipart > 0 {
		s.logger.Info(ctx, "sweep finished", "sessions", report.Sessions, "aborted_multipart", report.AbortedMultipart)
	}
	return report, nil
}
