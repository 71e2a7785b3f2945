package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/cleanup"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/merge"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
	"github.com/dmitrijs2005/gophupload/internal/server/planner"
	"github.com/dmitrijs2005/gophupload/internal/server/sessions"
)

// --- helpers ---

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// testPolicy chunks anything above 16 bytes into 10 byte parts.
func testPolicy() planner.Policy {
	return planner.Policy{
		DirectThreshold: 16,
		Bands: []planner.Band{
			{DefaultChunkSize: 10, MinChunkSize: 5, MaxChunkSize: 20, DefaultConcurrency: 2, MaxConcurrency: 4},
		},
	}
}

type harness struct {
	cfg        *config.Config
	gw         *gateway.MemoryGateway
	store      *sessions.MemoryStore
	cleanup    *cleanup.Coordinator
	uploads    *UploadService
	completion *CompletionService

	mu  sync.Mutex
	ops []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Gateway.RetryBaseDelay = time.Millisecond

	p, err := planner.New(testPolicy())
	require.NoError(t, err)

	logger := logging.Discard()
	m := metrics.NewUploadMetrics(prometheus.NewRegistry())

	h := &harness{cfg: cfg}
	h.gw = gateway.NewMemoryGateway(cfg.Gateway.Bucket, 0)
	h.gw.Now = func() time.Time { return testNow }
	h.store = sessions.NewMemoryStore()
	h.cleanup = cleanup.NewCoordinator(h.gw, cfg.Cleanup, logger, m)
	t.Cleanup(func() { _ = h.cleanup.Shutdown(context.Background()) })

	fast := retryx.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	engine := merge.NewEngine(h.gw, logger, merge.DefaultStrategies(h.gw, t.TempDir(), fast, logger),
		merge.WithRetry(fast),
		merge.WithMetrics(m),
		merge.WithClock(func() time.Time { return testNow }),
	)

	h.uploads = NewUploadService(h.store, h.gw, p, h.cleanup, cfg, logger, m)
	h.uploads.now = func() time.Time { return testNow }
	h.completion = NewCompletionService(h.store, h.gw, engine, h.cleanup, cfg, logger, m)
	h.completion.now = func() time.Time { return testNow }
	return h
}

// failOn makes every gateway call whose op is in ops fail, and records every
// call made.
func (h *harness) failOn(ops ...string) {
	h.gw.Fault = func(op, key string) error {
		h.mu.Lock()
		h.ops = append(h.ops, op)
		h.mu.Unlock()
		if slices.Contains(ops, op) {
			return fmt.Errorf("%s unavailable", op)
		}
		return nil
	}
}

func (h *harness) called(op string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.ops, op)
}

func payload(n int) []byte {
	return []byte(strings.Repeat("0123456789abcdefghijklmnopqrstuvwxyz", n/36+1)[:n])
}

// plan creates a session for data and returns the plan response.
func (h *harness) plan(t *testing.T, name string, data []byte) *models.PlanResponse {
	t.Helper()
	resp, err := h.uploads.PlanUpload(context.Background(), models.PlanRequest{FileName: name, FileSize: int64(len(data))})
	require.NoError(t, err)
	require.False(t, resp.ShouldDirectUpload)
	return resp
}

// uploadChunks stores the bytes of the given parts (all when none given) the
// way a client would, and reports them.
func (h *harness) uploadChunks(t *testing.T, plan *models.PlanResponse, data []byte, parts ...int) {
	t.Helper()
	for _, c := range plan.Chunks {
		if len(parts) > 0 && !slices.Contains(parts, c.PartNumber) {
			continue
		}
		h.gw.PutBytes(ChunkKey(plan.ObjectName, c.PartNumber), data[c.StartByte:c.EndByte+1])
		_, err := h.uploads.ReportChunkUploaded(context.Background(), plan.UploadID, c.PartNumber)
		require.NoError(t, err)
	}
}

func (h *harness) waitCleanup(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.cleanup.Wait(ctx))
}
