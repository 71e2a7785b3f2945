package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/cleanup"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/merge"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
	"github.com/dmitrijs2005/gophupload/internal/server/sessions"
)

// CompletionService merges uploaded chunks into the final object and hands
// out read URLs for finished files.
type CompletionService struct {
	store   sessions.Store
	gw      gateway.Gateway
	engine  *merge.Engine
	cleanup CleanupScheduler
	metrics *metrics.UploadMetrics
	logger  logging.Logger

	upload config.UploadConfig
	retry  retryx.Policy
	now    func() time.Time
}

func NewCompletionService(
	store sessions.Store,
	gw gateway.Gateway,
	engine *merge.Engine,
	cleanup CleanupScheduler,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.UploadMetrics,
) *CompletionService {
	return &CompletionService{
		store:   store,
		gw:      gw,
		engine:  engine,
		cleanup: cleanup,
		metrics: m,
		logger:  logger,
		upload:  cfg.Upload,
		retry:   retryx.Policy{Attempts: cfg.Gateway.RetryAttempts, BaseDelay: cfg.Gateway.RetryBaseDelay},
		now:     time.Now,
	}
}

// CompleteUpload verifies every chunk and assembles the final object.
//
// Only one caller can merge a session at a time: the session moves to
// merging through a compare-and-set in the shared store. Completing an
// already completed session returns the same location with a fresh URL.
// A failed merge keeps its chunks so that the same request can be retried.
func (s *CompletionService) CompleteUpload(ctx context.Context, uploadID string, req models.CompleteRequest) (*models.CompleteResponse, error) {
	session, err := loadSession(ctx, s.store, uploadID, s.now())
	if err != nil {
		return nil, err
	}

	if req.ObjectName != session.ObjectName {
		return nil, common.NewValidationError("objectName", "does not match the upload")
	}
	if req.TotalChunks != session.TotalChunks {
		return nil, common.NewValidationError("totalChunks", fmt.Sprintf("upload has %d chunks", session.TotalChunks))
	}

	switch session.Status {
	case models.StatusComplete:
		return s.alreadyComplete(ctx, session)
	case models.StatusMerging:
		return nil, common.ErrMergeInProgress
	}

	session, err = s.store.Transition(ctx, uploadID, sessions.Transition{
		From: []models.SessionStatus{models.StatusAwaitingChunks, models.StatusFailed},
		To:   models.StatusMerging,
	})
	if errors.Is(err, common.ErrStatusConflict) {
		current, gerr := s.store.Get(ctx, uploadID)
		if gerr == nil && current.Status == models.StatusComplete {
			return s.alreadyComplete(ctx, current)
		}
		return nil, common.ErrMergeInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("start merge: %w", err)
	}

	// The merge outlives a disconnecting caller so the session never stays
	// stuck in merging.
	mctx := context.WithoutCancel(ctx)
	if s.upload.MergeTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(mctx, s.upload.MergeTimeout)
		defer cancel()
	}

	return s.merge(mctx, session)
}

func (s *CompletionService) merge(ctx context.Context, session *models.UploadSession) (*models.CompleteResponse, error) {
	logger := s.logger.With("upload_id", session.UploadID)

	verified, err := s.engine.Verify(ctx, session)
	if err != nil {
		s.release(ctx, session.UploadID, models.StatusAwaitingChunks, err)

		var missing *common.ChunkMissingError
		if errors.As(err, &missing) {
			s.metrics.Completed("chunks_missing")
			logger.Info(ctx, "merge rejected, chunks missing", "parts", missing.Parts())
			return nil, err
		}
		s.metrics.Completed("failed")
		if errors.Is(err, common.ErrInvalidInput) {
			return nil, err
		}
		return nil, gatewayError("verify chunks", err)
	}

	if err := s.markChunks(ctx, session, verified, models.ChunkVerified); err != nil {
		s.release(ctx, session.UploadID, models.StatusAwaitingChunks, err)
		return nil, err
	}

	result, err := s.engine.Assemble(ctx, session, verified)
	if err != nil {
		s.release(ctx, session.UploadID, models.StatusFailed, err)
		s.metrics.Completed("failed")
		logger.Error(ctx, "merge failed", "error", err)
		return nil, err
	}

	if err := s.markChunks(ctx, session, verified, models.ChunkMerged); err != nil {
		logger.Warn(ctx, "mark chunks merged failed", "error", err)
	}

	if err := s.finish(ctx, session.UploadID, result.Strategy); err != nil {
		// The object exists but the session does not say so. Failing it keeps
		// the chunks so the same request can merge again.
		s.release(ctx, session.UploadID, models.StatusFailed, err)
		s.metrics.Completed("failed")
		logger.Error(ctx, "finish merge failed", "error", err)
		return nil, fmt.Errorf("finish merge: %w", err)
	}

	task := cleanup.Task{
		UploadID:   session.UploadID,
		Keys:       append(session.ChunkKeys(), result.Temporaries...),
		LocalPaths: result.LocalArtifacts,
	}
	if err := s.cleanup.Schedule(task); err != nil {
		logger.Warn(ctx, "schedule cleanup failed", "error", err)
	}
	s.metrics.Completed("complete")

	url, err := s.readURL(ctx, session.ObjectName)
	if err != nil {
		return nil, err
	}

	return &models.CompleteResponse{
		UploadID: session.UploadID,
		Location: result.Location,
		ReadURL:  url,
		Strategy: result.Strategy,
		Attempts: attemptViews(result.Attempts),
	}, nil
}

func (s *CompletionService) alreadyComplete(ctx context.Context, session *models.UploadSession) (*models.CompleteResponse, error) {
	url, err := s.readURL(ctx, session.ObjectName)
	if err != nil {
		return nil, err
	}
	s.metrics.Completed("already_complete")

	return &models.CompleteResponse{
		UploadID:    session.UploadID,
		Location:    session.ObjectName,
		ReadURL:     url,
		Strategy:    session.Strategy,
		AlreadyDone: true,
	}, nil
}

// finish marks a merged session complete, retrying store failures other than
// a lost compare-and-set.
func (s *CompletionService) finish(ctx context.Context, uploadID, strategy string) error {
	return retryx.Retry(context.WithoutCancel(ctx), s.retry, func(ctx context.Context) error {
		_, err := s.store.Transition(ctx, uploadID, sessions.Transition{
			From:     []models.SessionStatus{models.StatusMerging},
			To:       models.StatusComplete,
			Strategy: strategy,
		})
		return err
	}, func(err error) bool {
		return !errors.Is(err, common.ErrStatusConflict) && !errors.Is(err, common.ErrNotFound)
	})
}

// release moves a merging session back to status, recording cause. It runs
// even if ctx has ended so the session does not stay in merging.
func (s *CompletionService) release(ctx context.Context, uploadID string, status models.SessionStatus, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.store.Transition(ctx, uploadID, sessions.Transition{
		From:      []models.SessionStatus{models.StatusMerging},
		To:        status,
		LastError: cause.Error(),
	})
	if err != nil {
		s.logger.Error(ctx, "release merging session failed", "upload_id", uploadID, "status", status, "error", err)
	}
}

func (s *CompletionService) markChunks(ctx context.Context, session *models.UploadSession, verified []merge.VerifiedChunk, status models.ChunkStatus) error {
	updated := make([]models.ChunkDescriptor, 0, len(verified))
	for _, v := range verified {
		c, ok := session.Chunk(v.PartNumber)
		if !ok {
			continue
		}
		c.Status = status
		c.Size = v.Size
		c.ETag = v.ETag
		updated = append(updated, *c)
	}
	if err := s.store.UpdateChunks(ctx, session.UploadID, updated); err != nil {
		return fmt.Errorf("mark chunks %s: %w", status, err)
	}
	return nil
}

func (s *CompletionService) readURL(ctx context.Context, objectName string) (string, error) {
	url, err := retryx.Value(ctx, s.retry, func(ctx context.Context) (string, error) {
		return s.gw.IssueReadAuthorization(ctx, objectName, s.upload.ReadAuthorizationTTL)
	}, gateway.IsRetriable)
	if err != nil {
		return "", gatewayError("issue read authorization", err)
	}
	return url, nil
}

func attemptViews(attempts []common.StrategyAttempt) []models.StrategyAttemptView {
	out := make([]models.StrategyAttemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, models.StrategyAttemptView{
			Strategy:   a.Strategy,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
		})
	}
	return out
}
