package services

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/cleanup"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
	"github.com/dmitrijs2005/gophupload/internal/server/planner"
	"github.com/dmitrijs2005/gophupload/internal/server/sessions"
)

// CleanupScheduler accepts background cleanup work.
type CleanupScheduler interface {
	Schedule(t cleanup.Task) error
}

// NewPlanner builds the chunk planner from the default bands and the
// configured direct-upload threshold and size limit.
func NewPlanner(cfg config.UploadConfig) (*planner.Planner, error) {
	policy := planner.DefaultPolicy()
	if cfg.DirectUploadThreshold > 0 {
		policy.DirectThreshold = cfg.DirectUploadThreshold
	}
	policy.MaxFileSize = cfg.MaxFileSize
	return planner.New(policy)
}

// UploadService creates upload sessions, hands out chunk write URLs and
// tracks chunk reports.
type UploadService struct {
	store   sessions.Store
	gw      gateway.Gateway
	planner *planner.Planner
	cleanup CleanupScheduler
	metrics *metrics.UploadMetrics
	logger  logging.Logger

	upload     config.UploadConfig
	sessionTTL time.Duration
	retry      retryx.Policy
	now        func() time.Time
}

func NewUploadService(
	store sessions.Store,
	gw gateway.Gateway,
	p *planner.Planner,
	cleanup CleanupScheduler,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.UploadMetrics,
) *UploadService {
	return &UploadService{
		store:      store,
		gw:         gw,
		planner:    p,
		cleanup:    cleanup,
		metrics:    m,
		logger:     logger,
		upload:     cfg.Upload,
		sessionTTL: cfg.Sessions.TTL,
		retry:      retryx.Policy{Attempts: cfg.Gateway.RetryAttempts, BaseDelay: cfg.Gateway.RetryBaseDelay},
		now:        time.Now,
	}
}

// PlanUpload plans a file and, unless it is small enough for a direct upload,
// creates its session with one write URL per chunk. Chunks whose URL could not
// be issued are listed in MissingAuthorizations.
func (s *UploadService) PlanUpload(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error) {
	if err := validateFileName(req.FileName); err != nil {
		return nil, err
	}

	plan, err := s.planner.Plan(req.FileSize, req.ChunkSizeHint, req.ConcurrencyHint)
	if err != nil {
		return nil, err
	}
	s.metrics.Planned(plan.Direct)

	if plan.Direct {
		return &models.PlanResponse{ShouldDirectUpload: true}, nil
	}

	now := s.now()
	id := uuid.NewString()
	objectName := s.objectName(id, req.FileName)

	session := &models.UploadSession{
		UploadID:    id,
		ObjectName:  objectName,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.TotalChunks,
		Concurrency: plan.Concurrency,
		Status:      models.StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL),
	}
	for _, r := range plan.Ranges() {
		session.Chunks = append(session.Chunks, models.ChunkDescriptor{
			PartNumber: r.PartNumber,
			ObjectKey:  ChunkKey(objectName, r.PartNumber),
			StartByte:  r.Start,
			EndByte:    r.End,
			Status:     models.ChunkPending,
		})
	}

	parts := make([]int, 0, len(session.Chunks))
	for _, c := range session.Chunks {
		parts = append(parts, c.PartNumber)
	}

	auths, missing := s.authorize(ctx, session, parts)
	if len(missing) == len(parts) {
		return nil, fmt.Errorf("issue write authorizations: %w", common.ErrGatewayUnavailable)
	}

	session.Status = models.StatusAwaitingChunks
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info(ctx, "upload session created",
		"upload_id", id,
		"object", objectName,
		"file_size", req.FileSize,
		"chunk_size", plan.ChunkSize,
		"total_chunks", plan.TotalChunks,
		"missing_authorizations", len(missing),
	)

	return &models.PlanResponse{
		UploadID:              id,
		ObjectName:            objectName,
		TotalChunks:           plan.TotalChunks,
		ChunkSize:             plan.ChunkSize,
		Concurrency:           plan.Concurrency,
		Chunks:                auths,
		MissingAuthorizations: missing,
		ExpiresAt:             session.ExpiresAt,
	}, nil
}

// ReissueAuthorizations issues fresh write URLs for the given parts, or for
// every part not yet reported when partNumbers is empty.
func (s *UploadService) ReissueAuthorizations(ctx context.Context, uploadID string, partNumbers []int) (*models.ReissueResponse, error) {
	session, err := s.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := writable(session); err != nil {
		return nil, err
	}

	if len(partNumbers) == 0 {
		for _, c := range session.Chunks {
			if c.Status == models.ChunkPending {
				partNumbers = append(partNumbers, c.PartNumber)
			}
		}
	}
	partNumbers = slices.Compact(slices.Sorted(slices.Values(partNumbers)))
	for _, n := range partNumbers {
		if _, ok := session.Chunk(n); !ok {
			return nil, common.NewValidationError("partNumbers", fmt.Sprintf("part %d does not exist", n))
		}
	}

	auths, missing := s.authorize(ctx, session, partNumbers)

	updated := make([]models.ChunkDescriptor, 0, len(auths))
	for _, a := range auths {
		if a.WriteURL == "" {
			continue
		}
		c, _ := session.Chunk(a.PartNumber)
		updated = append(updated, *c)
	}
	if len(updated) > 0 {
		if err := s.store.UpdateChunks(ctx, uploadID, updated); err != nil {
			return nil, fmt.Errorf("update chunks: %w", err)
		}
	}

	return &models.ReissueResponse{
		UploadID:              uploadID,
		Chunks:                auths,
		MissingAuthorizations: missing,
	}, nil
}

// ReportChunkUploaded records the caller's claim that a chunk was written.
// Storage is not checked here; verification happens once, at merge time.
// Repeated reports are accepted.
func (s *UploadService) ReportChunkUploaded(ctx context.Context, uploadID string, partNumber int) (*models.ChunkReport, error) {
	session, err := s.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	chunk, ok := session.Chunk(partNumber)
	if !ok {
		return nil, common.NewValidationError("partNumber", fmt.Sprintf("part %d does not exist", partNumber))
	}

	if chunk.Status == models.ChunkPending {
		if err := writable(session); err != nil {
			return nil, err
		}
		chunk.Status = models.ChunkUploaded
		if err := s.store.UpdateChunks(ctx, uploadID, []models.ChunkDescriptor{*chunk}); err != nil {
			return nil, fmt.Errorf("update chunk: %w", err)
		}
	}
	s.metrics.ChunkReported()

	s.logger.Debug(ctx, "chunk reported", "upload_id", uploadID, "part", partNumber)

	return &models.ChunkReport{
		UploadID:   uploadID,
		PartNumber: partNumber,
		Progress:   session.Progress(),
	}, nil
}

func (s *UploadService) GetStatus(ctx context.Context, uploadID string) (*models.StatusResponse, error) {
	session, err := s.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	var pending []int
	for _, c := range session.Chunks {
		if c.Status == models.ChunkPending {
			pending = append(pending, c.PartNumber)
		}
	}

	return &models.StatusResponse{
		UploadID:   session.UploadID,
		ObjectName: session.ObjectName,
		FileName:   session.FileName,
		FileSize:   session.FileSize,
		Status:     session.Status,
		Strategy:   session.Strategy,
		LastError:  session.LastError,
		Progress:   session.Progress(),
		Pending:    pending,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

// DirectUpload stores a small file in a single request.
func (s *UploadService) DirectUpload(ctx context.Context, fileName string, body io.Reader, size int64) (*models.DirectUploadResponse, error) {
	if err := validateFileName(fileName); err != nil {
		return nil, err
	}
	switch {
	case size <= 0:
		return nil, common.NewValidationError("size", "must be positive")
	case size > s.planner.DirectThreshold():
		return nil, common.NewValidationError("size", fmt.Sprintf("exceeds direct upload limit of %d bytes", s.planner.DirectThreshold()))
	}

	objectName := s.objectName(uuid.NewString(), fileName)
	if err := s.gw.Put(ctx, objectName, body, size); err != nil {
		return nil, gatewayError("put object", err)
	}
	s.metrics.Completed("direct")

	url, err := retryx.Value(ctx, s.retry, func(ctx context.Context) (string, error) {
		return s.gw.IssueReadAuthorization(ctx, objectName, s.upload.ReadAuthorizationTTL)
	}, gateway.IsRetriable)
	if err != nil {
		return nil, gatewayError("issue read authorization", err)
	}

	s.logger.Info(ctx, "direct upload stored", "object", objectName, "size", size)

	return &models.DirectUploadResponse{Location: objectName, ReadURL: url, Size: size}, nil
}

// Abandon drops a session that will not be completed. Its chunk objects are
// deleted in the background; a completed session keeps its final object.
func (s *UploadService) Abandon(ctx context.Context, uploadID string) error {
	if err := validateUploadID(uploadID); err != nil {
		return err
	}
	session, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.Status == models.StatusMerging {
		return common.ErrMergeInProgress
	}

	if err := s.store.Delete(ctx, uploadID); err != nil {
		return err
	}

	if session.Status != models.StatusComplete {
		if err := s.cleanup.Schedule(cleanup.SessionTask(session)); err != nil {
			s.logger.Warn(ctx, "schedule cleanup failed", "upload_id", uploadID, "error", err)
		}
	}

	s.logger.Info(ctx, "upload session abandoned", "upload_id", uploadID, "status", session.Status)
	return nil
}

func (s *UploadService) objectName(uploadID, fileName string) string {
	return s.upload.ObjectPrefix + uploadID + "/" + fileName
}

// load fetches a live session. Sessions past their expiry are reported as
// expired unless they completed.
func (s *UploadService) load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return loadSession(ctx, s.store, uploadID, s.now())
}

func loadSession(ctx context.Context, store sessions.Store, uploadID string, now time.Time) (*models.UploadSession, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	session, err := store.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusComplete && session.Expired(now) {
		return nil, fmt.Errorf("upload %s: %w", uploadID, common.ErrSessionExpired)
	}
	return session, nil
}

// writable rejects changes to chunks of sessions that are merging or done.
func writable(session *models.UploadSession) error {
	switch session.Status {
	case models.StatusAwaitingChunks, models.StatusFailed:
		return nil
	case models.StatusMerging:
		return common.ErrMergeInProgress
	default:
		return fmt.Errorf("upload is %s: %w", session.Status, common.ErrStatusConflict)
	}
}

// authorize issues write URLs for parts concurrently, bounded by the smaller
// of the fan-out limit and the session concurrency. Every successful URL
// updates the expiry of its chunk in session. The returned authorizations
// are in part order; failed parts carry no URL and are also returned in
// missing.
func (s *UploadService) authorize(ctx context.Context, session *models.UploadSession, parts []int) ([]models.ChunkAuthorization, []int) {
	limit := min(max(s.upload.AuthorizationFanOut, 1), max(session.Concurrency, 1))
	ttl := s.upload.WriteAuthorizationTTL

	auths := make([]models.ChunkAuthorization, len(parts))
	var (
		mu      sync.Mutex
		missing []int
	)

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i, n := range parts {
		chunk, _ := session.Chunk(n)
		auths[i] = models.ChunkAuthorization{
			PartNumber: chunk.PartNumber,
			StartByte:  chunk.StartByte,
			EndByte:    chunk.EndByte,
		}

		g.Go(func() error {
			url, err := retryx.Value(ctx, s.retry, func(ctx context.Context) (string, error) {
				return s.gw.IssueWriteAuthorization(ctx, chunk.ObjectKey, ttl)
			}, gateway.IsRetriable)
			s.metrics.AuthorizationIssued(err)

			if err != nil {
				s.logger.Warn(ctx, "issue write authorization failed",
					"upload_id", session.UploadID, "part", n, "error", err)
				mu.Lock()
				missing = append(missing, n)
				mu.Unlock()
				return nil
			}

			expires := s.now().Add(ttl)
			chunk.AuthorizationExpiresAt = expires
			auths[i].WriteURL = url
			auths[i].ExpiresAt = expires
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(missing)
	return auths, missing
}
